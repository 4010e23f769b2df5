// Package persistence contains helpers shared by store implementations and their callers.
package persistence

import (
	"strconv"
	"strings"

	"github.com/TravisMcGray/territory-app/internal/domain"
)

// ParsePage reads page and limit query values. Missing or malformed values yield zero, which the
// service replaces with its defaults.
func ParsePage(pageRaw, limitRaw string) domain.Page {
	return domain.Page{Number: atoiOrZero(pageRaw), Limit: atoiOrZero(limitRaw)}
}

func atoiOrZero(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
