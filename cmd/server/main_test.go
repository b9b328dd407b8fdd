package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tokoledger/backend/internal/config"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{"short secret", config.Config{AuthSecret: "short", ManagerPIN: "739154"}, true},
		{"missing pin", config.Config{AuthSecret: strongSecret}, true},
		{"short pin", config.Config{AuthSecret: strongSecret, ManagerPIN: "7391"}, true},
		{"common pin", config.Config{AuthSecret: strongSecret, ManagerPIN: "123123"}, true},
		{"repeated pin", config.Config{AuthSecret: strongSecret, ManagerPIN: "777777"}, true},
		{"descending pin", config.Config{AuthSecret: strongSecret, ManagerPIN: "987654"}, true},
		{"strong", config.Config{AuthSecret: strongSecret, ManagerPIN: "739154"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateSecurityConfig(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
