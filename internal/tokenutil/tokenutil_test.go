package tokenutil

import "testing"

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{
			name: "empty",
			text: "",
			want: 0,
		},
		{
			name: "short reply",
			text: "done, the tests pass",
			want: 5, // 4 words * 1.33 = 5; 20/4 = 5
		},
		{
			name: "prose reply",
			text: "I renamed the handler and moved the retry logic into the queue worker as requested",
			want: 20, // 15 words * 1.33 = 19; len=82, 82/4 = 20
		},
		{
			name: "code heavy reply",
			text: `if err := store.CompleteJob(ctx,id,out,"",false); err != nil { return err }`,
			want: 18, // 11 words * 1.33 = 14; len=75, 75/4 = 18
		},
		{
			name: "cjk reply",
			text: "完成了修改",
			want: 3, // 1 word -> 1; 15 bytes / 4 = 3
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}
