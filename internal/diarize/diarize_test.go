package diarize

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snarg/transcript-engine/internal/retry"
)

func TestHTTPClient_Diarize(t *testing.T) {
	var gotPath, gotSpeakers string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSpeakers = r.FormValue("num_speakers")
		fmt.Fprint(w, `{"turns":[{"start":0,"end":3.2,"speaker":"SPEAKER_00"},{"start":3.2,"end":5,"speaker":"SPEAKER_01"}]}`)
	}))
	defer srv.Close()

	var progress []int
	c := NewHTTPClient(srv.URL, "", 5*time.Second)
	turns, err := c.Diarize(context.Background(), Request{
		Audio:       []byte("x"),
		NumSpeakers: 2,
		Progress:    func(p int) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	if gotPath != "/diarize" {
		t.Errorf("path = %q, want /diarize", gotPath)
	}
	if gotSpeakers != "2" {
		t.Errorf("num_speakers = %q, want 2", gotSpeakers)
	}
	if len(turns) != 2 || turns[1].Speaker != "SPEAKER_01" {
		t.Errorf("turns = %+v", turns)
	}
	if len(progress) != 1 || progress[0] != 100 {
		t.Errorf("progress = %v, want [100]", progress)
	}
}

func TestHTTPClient_EmptyTurnsNotNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	turns, err := NewHTTPClient(srv.URL, "", time.Second).Diarize(context.Background(), Request{Audio: []byte("x")})
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	if turns == nil || len(turns) != 0 {
		t.Errorf("turns = %#v, want empty non-nil", turns)
	}
}

func TestHTTPClient_Errors(t *testing.T) {
	for _, code := range []int{500, 422} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, "", time.Second).Diarize(context.Background(), Request{Audio: []byte("x")})
			if err == nil {
				t.Fatal("expected error")
			}
			if want := code >= 500; retry.IsTransient(err) != want {
				t.Errorf("IsTransient = %v, want %v", !want, want)
			}
		})
	}
}

func TestElevenLabsClient_Diarize(t *testing.T) {
	var gotKey, gotDiarize string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("xi-api-key")
		gotDiarize = r.FormValue("diarize")
		fmt.Fprint(w, `{"text":"hi there yes","words":[
			{"text":"hi","type":"word","start":0.1,"end":0.4,"speaker_id":"speaker_0"},
			{"text":" ","type":"spacing","start":0.4,"end":0.5,"speaker_id":"speaker_0"},
			{"text":"there","type":"word","start":0.5,"end":0.9,"speaker_id":"speaker_0"},
			{"text":"yes","type":"word","start":1.2,"end":1.6,"speaker_id":"speaker_1"}]}`)
	}))
	defer srv.Close()

	c := NewElevenLabsClient("secret", "", time.Second)
	c.endpoint = srv.URL
	turns, err := c.Diarize(context.Background(), Request{Audio: []byte("x")})
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	if gotKey != "secret" || gotDiarize != "true" {
		t.Errorf("key=%q diarize=%q", gotKey, gotDiarize)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %+v, want 2", turns)
	}
	if turns[0].Start != 0.1 || turns[0].End != 0.9 || turns[0].Speaker != "speaker_0" {
		t.Errorf("turn 0 = %+v", turns[0])
	}
}

func TestTurnsFromWords_SkipsUnlabelled(t *testing.T) {
	turns := turnsFromWords([]elevenlabsWord{
		{Text: "(laughs)", Type: "audio_event", Start: 0, End: 1},
		{Text: "ok", Type: "word", Start: 1, End: 2},
	})
	if len(turns) != 0 {
		t.Errorf("turns = %+v, want none", turns)
	}
}
