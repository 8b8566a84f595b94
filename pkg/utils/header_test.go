package utils

import (
	"strings"
	"testing"
)

func TestHeaderConstants(t *testing.T) {
	if HEADER_AUTH_KEY == "" {
		t.Error("HEADER_AUTH_KEY should not be empty")
	}
	if !strings.HasSuffix(HEADER_BEARER_TOKEN, " ") {
		t.Error("HEADER_BEARER_TOKEN should end with a space")
	}
	if QUERY_ACCESS_TOKEN == "" {
		t.Error("QUERY_ACCESS_TOKEN should not be empty")
	}
}
