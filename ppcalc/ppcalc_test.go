package ppcalc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/o-dasher/rusty-rika/osu"
)

func TestNewRequestJudgementMapping(t *testing.T) {
	st := osu.Statistics{Perfect: 1, Great: 2, Good: 3, Ok: 4, Meh: 5, Miss: 6}
	tests := []struct {
		name string
		mode osu.Mode
		want Request
	}{
		{"osu", osu.ModeOsu, Request{Mode: "osu", N300: 2, N100: 4, N50: 5, Misses: 6, Combo: 77}},
		{"taiko", osu.ModeTaiko, Request{Mode: "taiko", N300: 2, N100: 4, Misses: 6, Combo: 77}},
		{"mania", osu.ModeMania, Request{Mode: "mania", NGeki: 1, N300: 2, NKatu: 3, N100: 4, N50: 5, Misses: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewRequest(nil, osu.Score{Mode: tt.mode, Statistics: st, MaxCombo: 77})
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			got.Beatmap = nil
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
	if _, err := NewRequest(nil, osu.Score{Mode: osu.ModeFruits}); err == nil {
		t.Fatal("fruits should be rejected")
	}
}

func TestHTTPCalculator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if string(req.Beatmap) != "map" || req.Mods != uint32(osu.ModHidden) {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(Response{PP: 250, PPAim: 100, PPSpeed: 90, PPAcc: 50, PPFlashlight: 1})
	}))
	defer srv.Close()

	c := NewHTTPCalculator(srv.URL)
	perf, err := c.Calculate(context.Background(), []byte("map"), osu.Score{Mode: osu.ModeOsu, Mods: osu.ModHidden})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	want := osu.OsuPerformance{Overall: 250, Aim: 100, Speed: 90, Flashlight: 1, Accuracy: 50}
	if perf != want {
		t.Fatalf("perf = %+v, want %+v", perf, want)
	}
}

func TestHTTPCalculatorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad beatmap", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewHTTPCalculator(srv.URL).Calculate(context.Background(), []byte("x"), osu.Score{Mode: osu.ModeMania})
	if err == nil || !strings.Contains(err.Error(), "bad beatmap") {
		t.Fatalf("err = %v", err)
	}
}
