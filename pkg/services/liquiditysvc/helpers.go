package liquiditysvc

import (
	"encoding/json"

	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
)

// intAt reads an integer out of a generic document, tolerating the
// json.Number and float64 forms a canonical round trip produces.
func intAt(doc map[string]any, key string) int {
	switch v := doc[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return int(n)
		}
	}
	return 0
}

func dayOf(iso string) (string, bool) {
	day, err := chrono.DayBucket(iso)
	return day, err == nil
}
