package strategy

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// checkParams rejects keys a strategy does not know.
func checkParams(strategy string, params map[string]string, known ...string) error {
	var unknown []string
	for key := range params {
		found := false
		for _, k := range known {
			if strings.EqualFold(k, key) {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errors.Errorf("strategy %s: unknown parameters %s", strategy, strings.Join(unknown, ", "))
	}
	return nil
}

func lookup(params map[string]string, key string) (string, bool) {
	for k, v := range params {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func durationParam(params map[string]string, key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(params, key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		raw = strconv.FormatInt(ms, 10) + "ms"
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	if d <= 0 {
		return 0, errors.Errorf("%s must be positive", key)
	}
	return d, nil
}
