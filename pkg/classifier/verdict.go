package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/presencegate/pkg/types"
)

// ErrUnparseableVerdict is returned when a model reply contains no usable
// JSON verdict.
var ErrUnparseableVerdict = errors.New("classifier: unparseable verdict")

// verdict is the JSON shape chat models are asked to produce.
type verdict struct {
	Active     *bool   `json:"active"`
	Confidence float64 `json:"confidence"`
}

// ParseVerdict extracts the first {"active": bool, "confidence": number}
// object from a chat model reply. Models sometimes wrap the object in prose
// or a code fence. Confidence is clamped to [0, 1].
func ParseVerdict(content string) (types.Classification, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return types.Classification{}, fmt.Errorf("%w: %q", ErrUnparseableVerdict, content)
	}
	var v verdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return types.Classification{}, fmt.Errorf("%w: %v", ErrUnparseableVerdict, err)
	}
	if v.Active == nil {
		return types.Classification{}, fmt.Errorf("%w: missing \"active\"", ErrUnparseableVerdict)
	}
	return types.Classification{Active: *v.Active, Confidence: min(max(v.Confidence, 0), 1), At: time.Now()}, nil
}
