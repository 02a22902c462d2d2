package events

import (
	"errors"
	"testing"

	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/stretchr/testify/require"
)

func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Event
	}{
		{
			name:  "join request",
			frame: `{"event":"sign-in","room_id":"r1","data":{"id":"m2","status":"PENDING","vote":null,"user":{"id":"u2","name":"Bia"}}}`,
			want: MemberJoinRequested{RoomID: "r1", Member: models.Member{
				ID: "m2", Status: models.StatusPending, User: models.User{ID: "u2", Name: "Bia"},
			}},
		},
		{
			name:  "refused",
			frame: `{"event":"sign-in-refuse","room_id":"r1","data":{"user_id":"u2"}}`,
			want:  MemberRefused{RoomID: "r1", UserID: "u2"},
		},
		{
			name:  "left",
			frame: `{"event":"sign-out","room_id":"r1","data":{"user_id":"u2"}}`,
			want:  MemberLeft{RoomID: "r1", UserID: "u2"},
		},
		{
			name:  "cleared without data",
			frame: `{"event":"clear-votes","room_id":"r1"}`,
			want:  VotesCleared{RoomID: "r1"},
		},
		{
			name:  "revealed",
			frame: `{"event":"votes-revealed","room_id":"r1","data":{}}`,
			want:  VotesRevealed{RoomID: "r1"},
		},
		{
			name:  "deleted",
			frame: `{"event":"delete-room","room_id":"r1","data":{"room_id":"r1"}}`,
			want:  RoomDeleted{RoomID: "r1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, "r1", got.Room())
		})
	}
}

func TestDecode_VoteCarriesMembershipID(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"vote-member","room_id":"r1","data":{"member_id":"m7","vote":"13"}}`))
	require.NoError(t, err)
	voted, ok := ev.(MemberVoted)
	require.True(t, ok)
	require.Equal(t, "m7", voted.MemberID)
	require.Equal(t, "13", *voted.Vote)
}

func TestDecode_RoomPatchKeepsPresence(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"update-room","room_id":"r1","data":{"current_issue":"checkout","start_timestamp":null}}`))
	require.NoError(t, err)
	upd := ev.(RoomUpdated)
	require.Equal(t, "checkout", *upd.Patch.CurrentIssue)
	require.Nil(t, upd.Patch.Name)
	require.NotNil(t, upd.Patch.StartTimestamp)
	require.Nil(t, upd.Patch.StartTimestamp.Value)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`{"event":"typing","room_id":"r1"}`))
	require.True(t, errors.Is(err, ErrUnknownKind))

	_, err = Decode([]byte(`{"event":"clear-votes"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestEncode_DecodeSymmetry(t *testing.T) {
	vote := "8"
	name := "Carla"
	in := []Event{
		MemberApproved{RoomID: "r1", Member: models.Member{ID: "m1", Status: models.StatusLogged, User: models.User{ID: "u1", Name: "Ana"}}},
		MemberVoted{RoomID: "r1", MemberID: "m1", Vote: &vote},
		MemberUpdated{RoomID: "r1", Patch: models.MemberPatch{UserID: "u3", Name: &name}},
		RoomUpdated{RoomID: "r1", Patch: models.RoomPatch{StopTimestamp: models.ClearTime()}},
	}
	for _, ev := range in {
		frame, err := Encode(ev)
		require.NoError(t, err)
		out, err := Decode(frame)
		require.NoError(t, err)
		require.Equal(t, ev, out)
	}
}
