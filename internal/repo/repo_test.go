package repo

import "testing"

func TestCAOrdinal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		title string
		want  int64
	}{
		{title: "CA 1", want: 1},
		{title: "CA 42", want: 42},
		{title: "CA 0", want: 0},
		{title: "CA -3", want: 0},
		{title: "CA", want: 0},
		{title: "End of Term Examination", want: 0},
		{title: "ca 3", want: 0},
		{title: "", want: 0},
	}
	for _, tc := range tests {
		if got := CAOrdinal(tc.title); got != tc.want {
			t.Fatalf("CAOrdinal(%q) = %d, want %d", tc.title, got, tc.want)
		}
	}
}
