package markup

import "testing"

func TestStrip_Rules(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"bold and italic", "**bold** and *italic*", "bold and italic"},
		{"heading", "# Title\nbody", "Title\nbody"},
		{"deep heading mid text", "intro\n### Sub\ntext", "intro\nSub\ntext"},
		{"hash without space kept", "#hashtag", "#hashtag"},
		{"link", "[a](http://b)", "a (http://b)"},
		{"fenced code", "```\nfmt.Println()\n```", "\nfmt.Println()\n"},
		{"inline code", "run `go test` now", "run go test now"},
		{"quote", "> quoted\n>tight\nplain", "quoted\ntight\nplain"},
		{"nested emphasis", "***x***", "x"},
		{"nested quotes", "> > deep", "deep"},
		{"plain text untouched", "血糖 120 mg/dL", "血糖 120 mg/dL"},
		{"empty", "", ""},
		{"lone asterisk", "2 * 3", "2 * 3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Strip(tc.in); got != tc.want {
				t.Fatalf("Strip(%q) = %q; want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestStrip_Idempotent(t *testing.T) {
	inputs := []string{
		"**bold** and *italic*",
		"# Title\nbody",
		"[a](http://b)",
		"****x****",
		"[[a](b)](c)",
		"`` `x` ``",
		"```a``` ```b```",
		"> # **[q](u)**",
		"*a **b** c*",
		"## 飲食建議\n- **少糖**\n> 記得量血糖",
	}
	for _, in := range inputs {
		once := Strip(in)
		if twice := Strip(once); twice != once {
			t.Fatalf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}
