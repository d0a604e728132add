package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"postgres duplicate key", &pq.Error{Code: "23505"}, true},
		{"wrapped duplicate key", fmt.Errorf("insert session: %w", &pq.Error{Code: "23505"}), true},
		{"gorm duplicated key", gorm.ErrDuplicatedKey, true},
		{"serialization failure", &pq.Error{Code: "40001"}, false},
		{"plain error", errors.New("connection reset"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
