package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDRequestFilter(t *testing.T) {
	tests := []struct {
		name    string
		phrases []string
		answer  string
		want    string
	}{
		{"asks for project id", nil, "Could you please provide the Project ID?", IDRequestAnalysis},
		{"asks which portfolio", nil, "Which portfolio would you like me to look at?", IDRequestAnalysis},
		{"ordinary answer", nil, "Apollo is 60% complete and on track for Q3.", "Apollo is 60% complete and on track for Q3."},
		{"mentions id without asking", nil, "Project p1 has the most open tasks.", "Project p1 has the most open tasks."},
		{"custom phrase", []string{"Tell Me The Code"}, "please tell me the code", IDRequestAnalysis},
		{"custom phrases replace defaults", []string{"tell me the code"}, "Please provide the ID.", "Please provide the ID."},
		{"empty phrase never matches", []string{""}, "anything", "anything"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IDRequestFilter(tt.phrases...)(tt.answer))
		})
	}
}
