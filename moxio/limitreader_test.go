package moxio

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLimitReader(t *testing.T) {
	buf, err := io.ReadAll(&LimitReader{R: strings.NewReader("12345"), Limit: 5})
	if err != nil || string(buf) != "12345" {
		t.Fatalf("got %q, err %v, expected 12345 without error", buf, err)
	}

	_, err = io.ReadAll(&LimitReader{R: strings.NewReader("123456"), Limit: 5})
	if !errors.Is(err, ErrLimit) {
		t.Fatalf("got err %v, expected ErrLimit", err)
	}
}
