package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	defaultHours = 24
	maxHours     = 720
	maxOffset    = 100000
)

// intParam reads an integer query parameter bounded to [lo, hi].
func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return v, nil
}

func deviceParam(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("device_id"))
}
