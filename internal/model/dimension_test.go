package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func d(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestDimensionRecord_Covers(t *testing.T) {
	to := d("2019-12-19")
	closed := DimensionRecord{EffectiveFrom: d("2019-01-03"), EffectiveTo: &to}
	open := DimensionRecord{EffectiveFrom: d("2019-12-19")}

	tests := []struct {
		name   string
		rec    DimensionRecord
		asOf   time.Time
		expect bool
	}{
		{"inside closed interval", closed, d("2019-06-01"), true},
		{"at effective_from", closed, d("2019-01-03"), true},
		{"at effective_to is excluded", closed, d("2019-12-19"), false},
		{"before effective_from", closed, d("2018-12-31"), false},
		{"open interval covers later dates", open, d("2020-02-10"), true},
		{"open interval excludes earlier dates", open, d("2019-01-01"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.rec.Covers(tt.asOf))
		})
	}
}
