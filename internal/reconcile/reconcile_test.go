package reconcile

import (
	"context"
	"testing"

	"github.com/igorssc/scrum-poker-sub000/internal/cache"
	"github.com/igorssc/scrum-poker-sub000/internal/events"
	"github.com/igorssc/scrum-poker-sub000/internal/models"
	"github.com/igorssc/scrum-poker-sub000/internal/session"

	"github.com/stretchr/testify/require"
)

func str(v string) *string { return &v }

func member(id, userID string, status models.Status, vote *string) models.Member {
	return models.Member{ID: id, Status: status, Vote: vote, User: models.User{ID: userID, Name: userID}}
}

func room(members ...models.Member) models.Snapshot {
	return models.Snapshot{Room: models.Room{ID: "r1", Name: "Sprint", OwnerID: "o"}, Members: members}
}

func statuses(s models.Snapshot) map[string]models.Status {
	out := make(map[string]models.Status, len(s.Members))
	for _, m := range s.Members {
		out[m.User.ID] = m.Status
	}
	return out
}

func TestReduce_IdempotentJoin(t *testing.T) {
	ev := events.MemberJoinRequested{RoomID: "r1", Member: member("m1", "u1", models.StatusPending, nil)}
	s := Reduce(Reduce(room(), ev), ev)
	require.Len(t, s.Members, 1)
	require.Equal(t, models.StatusPending, s.Members[0].Status)

	// status missing from the payload still lands as pending
	ev.Member.Status = ""
	ev.Member.User.ID = "u2"
	s = Reduce(s, ev)
	require.Equal(t, models.StatusPending, statuses(s)["u2"])
}

func TestReduce_JoinAlreadyLoggedAppendsOnce(t *testing.T) {
	ev := events.MemberJoinRequested{RoomID: "r1", Member: member("m1", "u1", models.StatusLogged, nil)}
	s := Reduce(Reduce(room(), ev), ev)
	require.Len(t, s.Members, 1)
	require.Equal(t, models.StatusLogged, s.Members[0].Status)
}

func TestReduce_AcceptIsIdempotent(t *testing.T) {
	ev := events.MemberApproved{RoomID: "r1", Member: member("m1", "u1", models.StatusLogged, nil)}
	once := Reduce(room(member("m1", "u1", models.StatusPending, nil)), ev)
	require.Equal(t, map[string]models.Status{"u1": models.StatusLogged}, statuses(once))
	require.Equal(t, once, Reduce(once, ev))

	// member already removed
	require.Empty(t, Reduce(room(), ev).Members)
}

func TestReduce_RefuseAndLeaveAreSymmetric(t *testing.T) {
	for _, status := range []models.Status{models.StatusPending, models.StatusLogged, models.StatusRefused} {
		base := room(member("m0", "o", models.StatusLogged, nil), member("m1", "u1", status, str("3")))
		refused := Reduce(base, events.MemberRefused{RoomID: "r1", UserID: "u1"})
		left := Reduce(base, events.MemberLeft{RoomID: "r1", UserID: "u1"})
		require.Equal(t, refused, left)
		require.Len(t, refused.Members, 1)
		require.Equal(t, "o", refused.Members[0].User.ID)
		require.Len(t, base.Members, 2, "input must not be modified")
	}
}

func TestReduce_RevealKeepsVotes(t *testing.T) {
	base := room(member("m1", "u1", models.StatusLogged, str("5")), member("m2", "u2", models.StatusLogged, nil))
	s := Reduce(base, events.VotesRevealed{RoomID: "r1"})
	require.True(t, s.CardsOpen)
	require.Equal(t, "5", *s.Members[0].Vote)
	require.Nil(t, s.Members[1].Vote)
}

func TestReduce_ClearResetsAtomically(t *testing.T) {
	base := room(member("m1", "u1", models.StatusLogged, str("5")), member("m2", "u2", models.StatusLogged, str("?")))
	base.CardsOpen = true
	s := Reduce(base, events.VotesCleared{RoomID: "r1"})
	require.False(t, s.CardsOpen)
	for _, m := range s.Members {
		require.Nil(t, m.Vote)
	}
	require.Equal(t, s, Reduce(s, events.VotesCleared{RoomID: "r1"}))
}

func TestReduce_VoteByMembershipID(t *testing.T) {
	base := room(member("m1", "u1", models.StatusLogged, nil), member("u1", "u2", models.StatusLogged, nil))
	s := Reduce(base, events.MemberVoted{RoomID: "r1", MemberID: "m1", Vote: str("8")})
	require.Equal(t, "8", *s.Members[0].Vote)
	require.Nil(t, s.Members[1].Vote, "member ids and user ids must not be confused")

	s = Reduce(s, events.MemberVoted{RoomID: "r1", MemberID: "m1", Vote: nil})
	require.Nil(t, s.Members[0].Vote)
}

func TestReduce_RoomUpdatedMergesShallow(t *testing.T) {
	base := room(member("m1", "u1", models.StatusLogged, str("5")))
	base.CurrentIssue = "old"
	base.WhoCanEdit = []string{"o"}
	s := Reduce(base, events.RoomUpdated{RoomID: "r1", Patch: models.RoomPatch{CurrentIssue: str("new"), Theme: str("dark")}})
	require.Equal(t, "new", s.CurrentIssue)
	require.Equal(t, "dark", s.Theme)
	require.Equal(t, "Sprint", s.Name)
	require.Equal(t, []string{"o"}, s.WhoCanEdit)
	require.Equal(t, "5", *s.Members[0].Vote)
}

func TestReduce_MemberUpdatedMergesUser(t *testing.T) {
	base := room(member("m1", "u1", models.StatusLogged, str("5")))
	s := Reduce(base, events.MemberUpdated{RoomID: "r1", Patch: models.MemberPatch{UserID: "u1", Name: str("Bia")}})
	require.Equal(t, "Bia", s.Members[0].User.Name)
	require.Equal(t, models.StatusLogged, s.Members[0].Status)
	require.Equal(t, "5", *s.Members[0].Vote)
}

// Each handler survives a full refresh landing before or after it.
func TestReduce_CommutesWithRefresh(t *testing.T) {
	server := room(member("m0", "o", models.StatusLogged, nil), member("m1", "u1", models.StatusLogged, nil))
	evs := []events.Event{
		events.MemberJoinRequested{RoomID: "r1", Member: member("m1", "u1", models.StatusPending, nil)},
		events.MemberApproved{RoomID: "r1", Member: member("m1", "u1", models.StatusLogged, nil)},
	}
	stale := room(member("m0", "o", models.StatusLogged, nil))
	s := stale
	for _, ev := range evs {
		s = Reduce(s, ev)
	}
	require.Equal(t, statuses(server), statuses(s))
	for _, ev := range evs {
		require.Equal(t, statuses(server), statuses(Reduce(server, ev)))
	}
}

type fakeSession struct {
	id       session.Identity
	approved int
	cleared  []string
}

func (f *fakeSession) Identity() (session.Identity, bool) { return f.id, !f.id.Empty() }

func (f *fakeSession) MarkApproved(context.Context) { f.approved++ }

func (f *fakeSession) Clear(_ context.Context, reason string) {
	f.cleared = append(f.cleared, reason)
	f.id = session.Identity{}
}

type navs []string

func (n *navs) Navigate(p string) { *n = append(*n, p) }

func TestReconciler_AppliesToCache(t *testing.T) {
	c := cache.New(cache.Options{})
	c.Set("r1", room(member("m0", "o", models.StatusLogged, nil)))
	r := New(c, &fakeSession{}, nil)

	join := events.MemberJoinRequested{RoomID: "r1", Member: member("m1", "u1", models.StatusPending, nil)}
	r.Apply(join)
	r.Apply(join)
	r.Apply(events.MemberVoted{RoomID: "r2", MemberID: "m0", Vote: str("1")})

	s, ok := c.Get("r1")
	require.True(t, ok)
	require.Len(t, s.Members, 2)
	require.Nil(t, s.Members[0].Vote)
}

func TestReconciler_SelfEffects(t *testing.T) {
	c := cache.New(cache.Options{})
	c.Set("r1", room(member("m1", "u1", models.StatusPending, nil)))
	sess := &fakeSession{id: session.Identity{RoomID: "r1", UserID: "u1", WaitingForApproval: true}}
	var nav navs
	r := New(c, sess, &nav)

	r.Apply(events.MemberApproved{RoomID: "r1", Member: member("m2", "u2", models.StatusLogged, nil)})
	require.Zero(t, sess.approved)
	r.Apply(events.MemberApproved{RoomID: "r1", Member: member("m1", "u1", models.StatusLogged, nil)})
	require.Equal(t, 1, sess.approved)

	r.Apply(events.MemberLeft{RoomID: "r1", UserID: "u1"})
	require.Equal(t, []string{"member removed"}, sess.cleared)
	require.Equal(t, navs{session.PathHome}, nav)
}

func TestReconciler_RoomDeleted(t *testing.T) {
	c := cache.New(cache.Options{})
	c.Set("r1", room())
	sess := &fakeSession{id: session.Identity{RoomID: "r1", UserID: "u1"}}
	r := New(c, sess, nil)

	r.Apply(events.RoomDeleted{RoomID: "r1"})
	_, ok := c.Get("r1")
	require.False(t, ok)
	require.Equal(t, []string{"room deleted"}, sess.cleared)

	// deleting some other room leaves the session alone
	sess.id = session.Identity{RoomID: "r1", UserID: "u1"}
	r.Apply(events.RoomDeleted{RoomID: "r9"})
	require.Len(t, sess.cleared, 1)
}

func TestReconciler_RefusedSelf(t *testing.T) {
	c := cache.New(cache.Options{})
	sess := &fakeSession{id: session.Identity{RoomID: "r1", UserID: "u1", WaitingForApproval: true}}
	r := New(c, sess, nil)
	r.Apply(events.MemberRefused{RoomID: "r1", UserID: "u1"})
	require.Equal(t, []string{"member refused"}, sess.cleared)
}
