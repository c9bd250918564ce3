package rules

import (
	"fmt"
	"math"
	"time"
)

// BMI returns body mass index for weight in kilograms and height in
// centimetres, rounded to two decimal places.
func BMI(weightKg, heightCm float64) (float64, error) {
	if weightKg <= 0 || heightCm <= 0 {
		return 0, fmt.Errorf("weight and height must be positive")
	}
	m := heightCm / 100
	return roundPlaces(weightKg/(m*m), 2), nil
}

// BSA returns body surface area in square metres using the DuBois formula.
func BSA(weightKg, heightCm float64) (float64, error) {
	if weightKg <= 0 || heightCm <= 0 {
		return 0, fmt.Errorf("weight and height must be positive")
	}
	return roundPlaces(0.007184*math.Pow(weightKg, 0.425)*math.Pow(heightCm, 0.725), 2), nil
}

// GFR estimates glomerular filtration rate (MDRD) from serum creatinine in
// mg/dL and age in years.
func GFR(creatinine, age float64, female, black bool) (float64, error) {
	if creatinine <= 0 || age <= 0 {
		return 0, fmt.Errorf("creatinine and age must be positive")
	}
	gfr := 175 * math.Pow(creatinine, -1.154) * math.Pow(age, -0.203)
	if female {
		gfr *= 0.742
	}
	if black {
		gfr *= 1.212
	}
	return roundPlaces(gfr, 2), nil
}

// AgeYears returns completed years between born and now.
func AgeYears(born, now time.Time) int {
	born = born.UTC()
	now = now.UTC()
	years := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}
