package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

func TestClient_GetRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rooms/r1", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"r1","name":"Sprint","owner_id":"u1","cards_open":true,
			"members":[{"id":"m1","status":"LOGGED","vote":"5","user":{"id":"u1","name":"Ana"}}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, staticToken("tok"))
	snap, err := c.GetRoom(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "Sprint", snap.Name)
	require.True(t, snap.CardsOpen)
	require.Len(t, snap.Members, 1)
	require.Equal(t, "5", *snap.Members[0].Vote)
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		gone      bool
		transient bool
	}{
		{"not found", http.StatusNotFound, true, false},
		{"forbidden", http.StatusForbidden, true, false},
		{"bad request", http.StatusBadRequest, false, false},
		{"server error", http.StatusBadGateway, false, true},
		{"throttled", http.StatusTooManyRequests, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, `{"error":"nope"}`)
			}))
			defer srv.Close()

			err := New(srv.URL, time.Second, nil).ClearVotes(context.Background(), "r1")
			require.Error(t, err)
			var se *StatusError
			require.True(t, errors.As(err, &se))
			require.Equal(t, "nope", se.Message)
			require.Equal(t, tt.gone, IsGone(err))
			require.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, time.Second, nil).GetRoom(context.Background(), "r1")
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.False(t, IsGone(err))
}

func TestClient_UpdateRoomSendsOnlyPatchedFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "u1", r.URL.Query().Get("user_id"))
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"name":"Renamed","stop_timestamp":null}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	name := "Renamed"
	err := New(srv.URL, time.Second, nil).UpdateRoom(context.Background(), "r1", "u1",
		models.RoomPatch{Name: &name, StopTimestamp: models.ClearTime()})
	require.NoError(t, err)
}
