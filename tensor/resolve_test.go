package tensor

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		template Shape
		ideal    Dims
		want     Shape
	}{
		{
			name:     "all spatial wildcards",
			template: NewShape(1, 3, Wildcard, Wildcard),
			ideal:    Dims{Channels: 3, Height: 480, Width: 640},
			want:     NewShape(1, 3, 480, 640),
		},
		{
			name:     "wildcard batch defaults to one",
			template: NewShape(Wildcard, 3, Wildcard, Wildcard),
			ideal:    Dims{Channels: 3, Height: 8, Width: 8},
			want:     NewShape(1, 3, 8, 8),
		},
		{
			name:     "explicit batch",
			template: NewShape(Wildcard, 3, Wildcard, Wildcard),
			ideal:    Dims{Batch: 2, Channels: 3, Height: 8, Width: 8},
			want:     NewShape(2, 3, 8, 8),
		},
		{
			name:     "wildcard channel takes topology count",
			template: NewShape(1, Wildcard, Wildcard, Wildcard),
			ideal:    Dims{Channels: 9, Height: 4, Width: 4},
			want:     NewShape(1, 9, 4, 4),
		},
		{
			name:     "concrete dims kept",
			template: NewShape(1, 3, 256, 256),
			ideal:    Dims{Channels: 3, Height: 480, Width: 640},
			want:     NewShape(1, 3, 256, 256),
		},
		{
			name:     "no alignment applied",
			template: NewShape(1, 3, Wildcard, Wildcard),
			ideal:    Dims{Channels: 3, Height: 481, Width: 643},
			want:     NewShape(1, 3, 481, 643),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.template, tt.ideal)
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Resolve() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolveDoesNotMutateTemplate(t *testing.T) {
	tmpl := NewShape(1, 3, Wildcard, Wildcard)
	if _, err := Resolve(tmpl, Dims{Channels: 3, Height: 2, Width: 2}); err != nil {
		t.Fatal(err)
	}
	if tmpl[2] != Wildcard {
		t.Error("Resolve mutated its template")
	}
}

func TestResolveErrors(t *testing.T) {
	if _, err := Resolve(NewShape(1, 3, Wildcard), Dims{Channels: 3, Height: 2, Width: 2}); !errors.Is(err, ErrRank) {
		t.Errorf("rank 3 error = %v", err)
	}
	if _, err := Resolve(NewShape(1, 3, Wildcard, Wildcard), Dims{Channels: 3, Height: 0, Width: 2}); !errors.Is(err, ErrInvalidDim) {
		t.Errorf("zero height error = %v", err)
	}
	if _, err := Resolve(NewShape(1, Wildcard, 2, 2), Dims{Height: 2, Width: 2}); !errors.Is(err, ErrInvalidDim) {
		t.Errorf("missing channel count error = %v", err)
	}
}

func TestAlignDown(t *testing.T) {
	tests := []struct {
		v, m, want int
	}{
		{643, 4, 640},
		{640, 4, 640},
		{643, 8, 640},
		{7, 8, 0},
		{643, 1, 643},
		{643, 0, 643},
		{-5, 4, 0},
	}
	for _, tt := range tests {
		if got := AlignDown(tt.v, tt.m); got != tt.want {
			t.Errorf("AlignDown(%d, %d) = %d, want %d", tt.v, tt.m, got, tt.want)
		}
	}
}
