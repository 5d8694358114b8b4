// Package dass scores DASS-21 questionnaires.
//
// Each of the 21 items is answered 0-3 and belongs to one of three subscales of seven
// items. A subscale score is the sum of its items; severity bands use the sum doubled,
// which puts DASS-21 results on the DASS-42 scale.
package dass

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/naookko/EmotiTrack/internal/models"
)

// ItemCount is the number of questionnaire items.
const ItemCount = 21

// MaxItemValue is the highest valid answer to an item.
const MaxItemValue = 3

// Subscale names one of the three DASS dimensions.
type Subscale string

const (
	Depression Subscale = "depression"
	Anxiety    Subscale = "anxiety"
	Stress     Subscale = "stress"
)

// Items maps each subscale to its 1-based item numbers.
var Items = map[Subscale][]int{
	Depression: {3, 5, 10, 13, 16, 17, 21},
	Anxiety:    {2, 4, 7, 9, 15, 19, 20},
	Stress:     {1, 6, 8, 11, 12, 14, 18},
}

// Severity is a DASS severity band.
type Severity string

const (
	Normal          Severity = "normal"
	Mild            Severity = "mild"
	Moderate        Severity = "moderate"
	Severe          Severity = "severe"
	ExtremelySevere Severity = "extremely_severe"
)

// bands holds the lowest doubled score of mild, moderate, severe and extremely severe.
var bands = map[Subscale][4]int{
	Depression: {10, 14, 21, 28},
	Anxiety:    {8, 10, 15, 20},
	Stress:     {15, 19, 26, 34},
}

// ErrIncomplete is returned when an item has no answer.
var ErrIncomplete = errors.New("questionnaire is incomplete")

// ErrInvalidValue is returned for an answer outside 0-3.
var ErrInvalidValue = errors.New("invalid item value")

// ItemKey returns the answer key of a 1-based item number.
func ItemKey(item int) string {
	return fmt.Sprintf("dass_q%02d", item)
}

// Scores holds the raw subscale sums.
type Scores struct {
	Depression int `json:"depression_score"`
	Anxiety    int `json:"anxiety_score"`
	Stress     int `json:"stress_score"`
}

// Total returns the sum of every item.
func (s Scores) Total() int {
	return s.Depression + s.Anxiety + s.Stress
}

// Of returns the raw score of a subscale.
func (s Scores) Of(sub Subscale) int {
	switch sub {
	case Depression:
		return s.Depression
	case Anxiety:
		return s.Anxiety
	case Stress:
		return s.Stress
	}
	return 0
}

// Severities returns the band of each subscale.
func (s Scores) Severities() map[Subscale]Severity {
	return map[Subscale]Severity{
		Depression: Classify(Depression, s.Depression),
		Anxiety:    Classify(Anxiety, s.Anxiety),
		Stress:     Classify(Stress, s.Stress),
	}
}

// Classify returns the severity band of a raw subscale score.
func Classify(sub Subscale, raw int) Severity {
	b, ok := bands[sub]
	if !ok {
		return Normal
	}
	doubled := raw * 2
	switch {
	case doubled >= b[3]:
		return ExtremelySevere
	case doubled >= b[2]:
		return Severe
	case doubled >= b[1]:
		return Moderate
	case doubled >= b[0]:
		return Mild
	}
	return Normal
}

// Score computes the subscale sums from answers keyed by ItemKey.
func Score(answers map[string]models.Answer) (Scores, error) {
	var s Scores
	for sub, items := range Items {
		sum := 0
		for _, item := range items {
			key := ItemKey(item)
			answer, ok := answers[key]
			if !ok || strings.TrimSpace(answer.Value) == "" {
				return Scores{}, fmt.Errorf("%w: %s", ErrIncomplete, key)
			}
			v, err := strconv.Atoi(strings.TrimSpace(answer.Value))
			if err != nil || v < 0 || v > MaxItemValue {
				return Scores{}, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, answer.Value)
			}
			sum += v
		}
		switch sub {
		case Depression:
			s.Depression = sum
		case Anxiety:
			s.Anxiety = sum
		case Stress:
			s.Stress = sum
		}
	}
	return s, nil
}
