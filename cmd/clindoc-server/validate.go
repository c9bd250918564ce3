package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/clindoc/internal/platform/apperr"
	"github.com/ehr/clindoc/internal/platform/formschema"
	"github.com/ehr/clindoc/internal/platform/rules"
)

var errInvalidPayload = errors.New("payload is invalid")

type validationReport struct {
	Valid     bool                   `json:"valid"`
	Errors    []apperr.FieldError    `json:"errors,omitempty"`
	Processed map[string]interface{} `json:"processed,omitempty"`
}

// validateSchemaCmd checks a payload against a validation schema offline and,
// when the payload is valid, runs processing rules over it.
func validateSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-schema",
		Short: "Validate a form payload against a schema without a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			schemaPath, _ := cmd.Flags().GetString("schema")
			dataPath, _ := cmd.Flags().GetString("data")
			rulesPath, _ := cmd.Flags().GetString("rules")

			schema, err := os.ReadFile(schemaPath)
			if err != nil {
				return fmt.Errorf("read schema: %w", err)
			}
			var data map[string]interface{}
			if err := readJSON(dataPath, &data); err != nil {
				return fmt.Errorf("read data: %w", err)
			}
			var rs []rules.Rule
			if rulesPath != "" {
				if err := readJSON(rulesPath, &rs); err != nil {
					return fmt.Errorf("read rules: %w", err)
				}
			}

			report, err := validatePayload(schema, data, rs)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Valid {
				return errInvalidPayload
			}
			return nil
		},
	}
	cmd.Flags().String("schema", "", "Path to the JSON validation schema")
	cmd.Flags().String("data", "", "Path to the JSON payload")
	cmd.Flags().String("rules", "", "Path to a JSON array of processing rules")
	_ = cmd.MarkFlagRequired("schema")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func validatePayload(schema []byte, data map[string]interface{}, rs []rules.Rule) (*validationReport, error) {
	res, err := formschema.Validate(data, json.RawMessage(schema))
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return &validationReport{Valid: false, Errors: res.Errors}, nil
	}
	if len(rs) == 0 {
		return &validationReport{Valid: true, Processed: data}, nil
	}

	processed, err := rules.Process(data, rs)
	var rv *apperr.RuleViolationError
	if errors.As(err, &rv) {
		return &validationReport{Valid: false, Errors: []apperr.FieldError{
			{Path: rv.Field, Rule: "rule", Message: rv.Message},
		}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &validationReport{Valid: true, Processed: processed}, nil
}

func readJSON(path string, dst interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
