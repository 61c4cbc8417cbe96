package lyrics

import (
	"testing"

	"github.com/igolaizola/songforge/pkg/lyrics"
)

func TestOverride(t *testing.T) {
	tests := []struct {
		name string
		base lyrics.Config
		o    lyrics.Config
		want lyrics.Config
	}{
		{
			name: "empty",
			base: lyrics.Config{Kind: lyrics.OpenAI, Key: "k"},
			want: lyrics.Config{Kind: lyrics.OpenAI, Key: "k"},
		},
		{
			name: "same kind",
			base: lyrics.Config{Kind: lyrics.OpenAI, Key: "k", Model: "gpt-4"},
			o:    lyrics.Config{Kind: lyrics.OpenAI, Model: "gpt-4o"},
			want: lyrics.Config{Kind: lyrics.OpenAI, Key: "k", Model: "gpt-4o"},
		},
		{
			name: "other kind",
			base: lyrics.Config{Kind: lyrics.OpenAI, Key: "k", Model: "gpt-4"},
			o:    lyrics.Config{Kind: lyrics.Custom, Endpoint: "http://localhost:9000/v1"},
			want: lyrics.Config{Kind: lyrics.Custom, Endpoint: "http://localhost:9000/v1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := override(tt.base, tt.o); got != tt.want {
				t.Fatalf("override() = %+v; want %+v", got, tt.want)
			}
		})
	}
}
