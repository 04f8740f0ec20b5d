package phone

import (
	"errors"
	"testing"
)

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+5511999999999", "5511999999999"},
		{"5511999999999", "5511999999999"},
		{" +1 650 253 0000 ", "16502530000"},
	}
	for _, tc := range cases {
		got, err := NormalizeE164(tc.in)
		if err != nil {
			t.Errorf("NormalizeE164(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeE164(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeE164Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "+123", "999"} {
		if _, err := NormalizeE164(in); !errors.Is(err, ErrInvalidNumber) {
			t.Errorf("NormalizeE164(%q) err = %v, want ErrInvalidNumber", in, err)
		}
	}
}
