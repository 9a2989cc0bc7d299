package validation

import (
	"strings"
	"testing"
)

type inner struct {
	Driver string `validate:"oneof=memory sqlite postgres"`
}

type outer struct {
	MAC     string `validate:"required,mac"`
	Name    string `validate:"min=2"`
	Clients int    `validate:"min=1"`
	Store   inner
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		in   outer
		want string
	}{
		{"ok", outer{MAC: "30:AE:A4:01:12:34", Name: "ab", Clients: 1, Store: inner{Driver: "sqlite"}}, ""},
		{"missing mac", outer{Name: "ab", Clients: 1, Store: inner{Driver: "memory"}}, "MAC: field is required"},
		{"short mac", outer{MAC: "30AEA4", Name: "ab", Clients: 1, Store: inner{Driver: "memory"}}, "MAC: invalid MAC address"},
		{"hex mac", outer{MAC: "30AEA40112ZZ", Name: "ab", Clients: 1, Store: inner{Driver: "memory"}}, "MAC: invalid MAC address"},
		{"short name", outer{MAC: "30AEA4011234", Name: "a", Clients: 1, Store: inner{Driver: "memory"}}, "Name: minimum length is 2"},
		{"clients", outer{MAC: "30AEA4011234", Name: "ab", Store: inner{Driver: "memory"}}, "Clients: minimum is 1"},
		{"nested", outer{MAC: "30AEA4011234", Name: "ab", Clients: 1, Store: inner{Driver: "redis"}}, "Store.Driver: must be one of"},
	}
	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(&tt.in)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.HasPrefix(err.Error(), tt.want) {
				t.Fatalf("error = %v, want prefix %q", err, tt.want)
			}
		})
	}
}

func TestValidateNotStruct(t *testing.T) {
	if err := NewValidator().Validate(42); err == nil {
		t.Fatal("expected error for non-struct")
	}
}

func TestValidateMACOptional(t *testing.T) {
	type peer struct {
		Parent string `validate:"mac"`
	}
	v := NewValidator()
	for _, mac := range []string{"", "30AEA4011234", "30:ae:a4:01:12:34"} {
		if err := v.Validate(peer{Parent: mac}); err != nil {
			t.Errorf("%q: %v", mac, err)
		}
	}
	if err := v.Validate(&peer{Parent: "30AEA40112"}); err == nil || !strings.HasPrefix(err.Error(), "Parent: invalid MAC address") {
		t.Errorf("short mac: %v", err)
	}
}
