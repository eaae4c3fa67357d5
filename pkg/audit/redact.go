package audit

import (
	"net/url"
	"strings"
)

// sensitiveParams are query keys whose values never belong in the log.
var sensitiveParams = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"secret":        {},
	"signature":     {},
}

// RedactPath strips credential-bearing query values before a path is stored.
func RedactPath(path string) string {
	idx := strings.IndexByte(path, '?')
	if idx < 0 {
		return path
	}
	base, rawQuery := path[:idx], path[idx+1:]
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return base
	}
	changed := false
	for key := range values {
		if _, ok := sensitiveParams[strings.ToLower(key)]; ok {
			values.Set(key, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return path
	}
	return base + "?" + values.Encode()
}
