package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPreferences is returned for values outside the survey options.
var ErrInvalidPreferences = errors.New("invalid preferences")

type Familiarity string

const (
	FamiliarityBeginner Familiarity = "Beginner"
	FamiliarityExpert   Familiarity = "Expert"
)

type Goal string

const (
	GoalSkim     Goal = "Just skimming"
	GoalDeepDive Goal = "Deep dive"
)

var (
	familiarities = []Familiarity{FamiliarityBeginner, FamiliarityExpert}
	goals         = []Goal{GoalSkim, GoalDeepDive}
)

func (f Familiarity) Valid() bool {
	for _, v := range familiarities {
		if f == v {
			return true
		}
	}
	return false
}

func (g Goal) Valid() bool {
	for _, v := range goals {
		if g == v {
			return true
		}
	}
	return false
}

// ParseFamiliarity matches s case-insensitively against the known levels.
func ParseFamiliarity(s string) (Familiarity, error) {
	for _, v := range familiarities {
		if strings.EqualFold(strings.TrimSpace(s), string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: familiarity %q", ErrInvalidPreferences, s)
}

// ParseGoal matches s case-insensitively against the known goals.
func ParseGoal(s string) (Goal, error) {
	for _, v := range goals {
		if strings.EqualFold(strings.TrimSpace(s), string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: goal %q", ErrInvalidPreferences, s)
}

// Preferences are the survey answers that shape every prompt.
type Preferences struct {
	Familiarity Familiarity `json:"familiarity" validate:"familiarity"`
	Goal        Goal        `json:"goal" validate:"goal"`
}

func DefaultPreferences() Preferences {
	return Preferences{Familiarity: FamiliarityBeginner, Goal: GoalSkim}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("familiarity", func(fl validator.FieldLevel) bool {
		return Familiarity(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("goal", func(fl validator.FieldLevel) bool {
		return Goal(fl.Field().String()).Valid()
	})
	return v
}

// Validate rejects values that are not survey options.
func (p Preferences) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: %s %q", ErrInvalidPreferences, strings.ToLower(verrs[0].Field()), verrs[0].Value())
	}
	return fmt.Errorf("%w: %v", ErrInvalidPreferences, err)
}
