package model_test

import (
	"testing"
	"time"

	"github.com/openbmc/acfshell/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	type then struct {
		interval time.Duration
		err      bool
	}
	cases := []struct {
		scenario string
		given    string
		then     then
	}{
		{"every_15_minutes", "*/15 * * * *", then{15 * time.Minute, false}},
		{"macro_hourly", "@hourly", then{time.Hour, false}},
		{"macro_every", "@every 5m", then{5 * time.Minute, false}},
		{"six_fields", "0 */2 * * * *", then{0, true}},
		{"invalid_token", "* * 32 * *", then{0, true}},
		{"empty", "   ", then{0, true}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			interval, err := model.ParseCron(tc.given)
			if tc.then.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.interval, interval)
		})
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{given: "20s", then: 20 * time.Second},
		{given: "1h", then: time.Hour},
		{given: "1d", then: 24 * time.Hour},
		{given: "1h30m", then: 90 * time.Minute},
		{given: "PT1H", then: time.Hour},
		{given: "P1D", then: 24 * time.Hour},
		{given: "PT0.5S", then: 500 * time.Millisecond},
		{given: "", err: true},
		{given: "1x", err: true},
		{given: "30m1h", err: true},
		{given: "P", err: true},
		{given: "106751d", then: 106751 * 24 * time.Hour},
		{given: "106752d", err: true},
		{given: "106751d24h", err: true},
		{given: "200000000d", err: true},
		{given: "P200000000D", err: true},
		{given: "PT9223372037S", err: true},
	}

	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseDuration(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
