package classifier_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/presencegate/pkg/classifier"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		active  bool
		conf    float64
		wantErr bool
	}{
		{"plain", `{"active": true, "confidence": 0.8}`, true, 0.8, false},
		{"fenced", "```json\n{\"active\": false}\n```", false, 0, false},
		{"prose", `Sure! {"active":true,"confidence":3} is my answer`, true, 1, false},
		{"negative confidence", `{"active":false,"confidence":-2}`, false, 0, false},
		{"missing active", `{"confidence": 0.4}`, false, 0, true},
		{"no json", `I think someone is talking`, false, 0, true},
		{"broken json", `{"active": tru}`, false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := classifier.ParseVerdict(tt.content)
			if tt.wantErr {
				if !errors.Is(err, classifier.ErrUnparseableVerdict) {
					t.Fatalf("err = %v, want ErrUnparseableVerdict", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVerdict: %v", err)
			}
			if got.Active != tt.active || got.Confidence != tt.conf {
				t.Errorf("got %+v, want active=%v confidence=%v", got, tt.active, tt.conf)
			}
		})
	}
}
