package runstate

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/fedrun/internal/auth"
	"github.com/BaSui01/fedrun/internal/eventbus"
	"github.com/BaSui01/fedrun/types"
)

var (
	leader  = auth.Identity{UserID: "alice", Roles: []string{RoleLeader}}
	memberB = auth.Identity{UserID: "bob"}
	outside = auth.Identity{UserID: "mallory"}
	central = auth.Identity{UserID: auth.CentralUserID, Central: true}
)

type transitionLog struct{ moves []string }

func (l *transitionLog) RecordRunTransition(from, to string) {
	l.moves = append(l.moves, from+"->"+to)
}

type fixture struct {
	svc      *Service
	store    Store
	bus      *eventbus.Bus
	verifier *auth.Verifier
	moves    *transitionLog
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveConsortium(ctx, &Consortium{
		ID:            "c1",
		Title:         "Hippocampus volumes",
		Leader:        "alice",
		Members:       []string{"alice", "bob", "carol"},
		ActiveMembers: []string{"alice", "bob"},
		StudyConfiguration: StudyConfiguration{
			ComputationID:    "fedavg",
			ComputationImage: "registry.local/fedavg:1.0",
			Parameters:       map[string]any{"rounds": 3},
			LeaderNotes:      "first pass",
			MemberRoles:      map[string]Role{"bob": RoleObserver},
		},
	}))
	require.NoError(t, store.SaveConsortium(ctx, &Consortium{
		ID:            "empty",
		Leader:        "alice",
		ActiveMembers: []string{"alice"},
	}))

	bus := eventbus.New(zaptest.NewLogger(t), eventbus.WithBuffer(256))
	issuer := auth.NewIssuer("secret", "fedrun", time.Hour)
	moves := &transitionLog{}
	seq := 0
	svc := NewService(store, bus, issuer, ServiceOptions{
		FileStorageURL:   "http://files.local:8081/",
		DownloadTokenTTL: time.Minute,
		Metrics:          moves,
		NewID: func() string {
			seq++
			return fmt.Sprintf("run-%d", seq)
		},
	}, zaptest.NewLogger(t))

	return &fixture{svc: svc, store: store, bus: bus, verifier: auth.NewVerifier("secret", "fedrun"), moves: moves}
}

func drain(s *eventbus.Subscription) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-s.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func requireCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, types.GetErrorCode(err), err.Error())
}

func TestStartRun_SnapshotsConsortium(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	launcher := f.bus.Subscribe(eventbus.TopicRunStartCentral, eventbus.Subscriber{UserID: "central", Central: true}, eventbus.CentralOnly)
	nosy := f.bus.Subscribe(eventbus.TopicRunStartCentral, eventbus.Subscriber{UserID: "bob"}, eventbus.CentralOnly)
	consortiumFeed := f.bus.Subscribe(eventbus.TopicConsortiumChanged, eventbus.Subscriber{UserID: "carol"}, eventbus.DefaultFilter(eventbus.TopicConsortiumChanged))

	run, err := f.svc.StartRun(ctx, leader, "c1")
	require.NoError(t, err)

	assert.Equal(t, StatusProvisioning, run.Status)
	assert.Equal(t, []string{"alice", "bob"}, run.Members)
	assert.Equal(t, "registry.local/fedavg:1.0", run.StudyConfiguration.ComputationImage)
	assert.Empty(t, run.Errors)

	evs := drain(launcher)
	require.Len(t, evs, 1)
	assert.Equal(t, run.ID, evs[0].String("run_id"))
	assert.Equal(t, "c1", evs[0].String("consortium_id"))
	assert.Equal(t, []string{"alice", "bob"}, evs[0].Strings("members"))
	assert.Equal(t, "registry.local/fedavg:1.0", evs[0].String("computation_image"))
	assert.Empty(t, drain(nosy))
	assert.Len(t, drain(consortiumFeed), 1, "carol is a consortium member")

	// later membership changes do not leak into the run
	c, err := f.store.GetConsortium(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, c.LatestRunID)
	c.ActiveMembers = []string{"carol"}
	c.StudyConfiguration.ComputationImage = "registry.local/other:2"
	require.NoError(t, f.store.SaveConsortium(ctx, c))

	got, err := f.svc.GetRun(ctx, memberB, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got.Members)
	assert.Equal(t, "registry.local/fedavg:1.0", got.StudyConfiguration.ComputationImage)
}

func TestStartRun_Rejections(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	launcher := f.bus.Subscribe(eventbus.TopicRunStartCentral, eventbus.Subscriber{Central: true}, nil)

	_, err := f.svc.StartRun(ctx, memberB, "c1")
	requireCode(t, err, types.ErrForbidden)

	_, err = f.svc.StartRun(ctx, leader, "missing")
	requireCode(t, err, types.ErrNotFound)

	_, err = f.svc.StartRun(ctx, leader, "empty")
	requireCode(t, err, types.ErrInvalidRequest)
	e, _ := types.AsError(err)
	assert.Equal(t, http.StatusBadRequest, e.HTTPStatus)

	// validation failures never reach the event stream
	assert.Empty(t, drain(launcher))
}

func TestMarkReady_NotifiesEachMember(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	alice := f.bus.Subscribe(eventbus.TopicRunStartParticipant, eventbus.Subscriber{UserID: "alice"}, eventbus.TargetUser)
	bob := f.bus.Subscribe(eventbus.TopicRunStartParticipant, eventbus.Subscriber{UserID: "bob"}, eventbus.TargetUser)
	carol := f.bus.Subscribe(eventbus.TopicRunStartParticipant, eventbus.Subscriber{UserID: "carol"}, eventbus.TargetUser)

	run, err := f.svc.StartRun(ctx, leader, "c1")
	require.NoError(t, err)

	_, err = f.svc.MarkReady(ctx, leader, run.ID)
	requireCode(t, err, types.ErrForbidden)

	run, err = f.svc.MarkReady(ctx, central, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, run.Status)

	aliceEvs := drain(alice)
	require.Len(t, aliceEvs, 1)
	ev := aliceEvs[0]
	assert.Equal(t, "http://files.local:8081/download/c1/"+run.ID+"/alice", ev.String("download_url"))
	_, hasRole := ev.Payload["role"]
	assert.False(t, hasRole, "alice has no declared role")

	claims, err := f.verifier.Verify(ev.String("download_token"))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID())
	assert.True(t, claims.AllowsRun("c1", run.ID))

	bobEvs := drain(bob)
	require.Len(t, bobEvs, 1)
	assert.Equal(t, "observer", bobEvs[0].String("role"))
	assert.Empty(t, drain(carol), "carol was not active when the run started")

	_, err = f.svc.MarkReady(ctx, central, run.ID)
	requireCode(t, err, types.ErrInvalidTransition)
}

func TestReportError_AndRecovery(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()

	run, err := f.svc.StartRun(ctx, leader, "c1")
	require.NoError(t, err)
	_, err = f.svc.MarkReady(ctx, central, run.ID)
	require.NoError(t, err)

	_, err = f.svc.ReportError(ctx, outside, run.ID, "boom")
	requireCode(t, err, types.ErrForbidden)
	_, err = f.svc.ReportError(ctx, memberB, run.ID, "   ")
	requireCode(t, err, types.ErrInvalidRequest)

	run, err = f.svc.ReportError(ctx, memberB, run.ID, "container runtime unreachable")
	require.NoError(t, err)
	assert.Equal(t, StatusError, run.Status)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "bob", run.Errors[0].User)

	// errors may keep accumulating
	run, err = f.svc.ReportError(ctx, central, run.ID, "server lost a client")
	require.NoError(t, err)
	assert.Len(t, run.Errors, 2)

	// an errored run can still complete
	run, err = f.svc.ReportComplete(ctx, central, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, run.Status)

	_, err = f.svc.ReportError(ctx, memberB, run.ID, "late")
	requireCode(t, err, types.ErrInvalidTransition)

	assert.Equal(t, []string{
		"provisioning->in_progress",
		"in_progress->error",
		"error->error",
		"error->complete",
	}, f.moves.moves)
}

func TestReportComplete_RequiresCentralAndProgress(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()

	run, err := f.svc.StartRun(ctx, leader, "c1")
	require.NoError(t, err)

	_, err = f.svc.ReportComplete(ctx, leader, run.ID)
	requireCode(t, err, types.ErrForbidden)

	_, err = f.svc.ReportComplete(ctx, central, run.ID)
	requireCode(t, err, types.ErrInvalidTransition)

	_, err = f.svc.ReportComplete(ctx, central, "nope")
	requireCode(t, err, types.ErrNotFound)
}

func TestReportMetadata_ReplacesWholesale(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	changed := f.bus.Subscribe(eventbus.TopicRunChanged, eventbus.Subscriber{UserID: "bob"}, eventbus.DefaultFilter(eventbus.TopicRunChanged))
	latest := f.bus.Subscribe(eventbus.TopicLatestRunChanged, eventbus.Subscriber{UserID: "carol"}, eventbus.DefaultFilter(eventbus.TopicLatestRunChanged))

	run, err := f.svc.StartRun(ctx, leader, "c1")
	require.NoError(t, err)
	drain(changed)

	_, err = f.svc.ReportMetadata(ctx, central, run.ID, map[string]any{"phase": "training", "client_count": 2})
	require.NoError(t, err)
	run, err = f.svc.ReportMetadata(ctx, memberB, run.ID, map[string]any{"status": "going offline"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "going offline"}, run.Metadata)
	assert.Equal(t, StatusProvisioning, run.Status)

	_, err = f.svc.ReportMetadata(ctx, outside, run.ID, map[string]any{"x": 1})
	requireCode(t, err, types.ErrForbidden)

	assert.Len(t, drain(changed), 2)
	assert.Empty(t, drain(latest), "carol is not a run member")
}

func TestIssueRunToken_MembersOnly(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()

	run, err := f.svc.StartRun(ctx, leader, "c1")
	require.NoError(t, err)
	_, err = f.svc.MarkReady(ctx, central, run.ID)
	require.NoError(t, err)

	token, err := f.svc.IssueRunToken(ctx, memberB, run.ID)
	require.NoError(t, err)
	claims, err := f.verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.UserID())
	assert.True(t, claims.AllowsRun("c1", run.ID))
	assert.False(t, claims.AllowsRun("c1", "other-run"))

	_, err = f.svc.IssueRunToken(ctx, outside, run.ID)
	requireCode(t, err, types.ErrForbidden)
	_, err = f.svc.IssueRunToken(ctx, central, run.ID)
	requireCode(t, err, types.ErrForbidden)
	_, err = f.svc.IssueRunToken(ctx, memberB, "missing")
	requireCode(t, err, types.ErrNotFound)
}

func TestQueriesAndDelete(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()

	first, err := f.svc.StartRun(ctx, leader, "c1")
	require.NoError(t, err)
	second, err := f.svc.StartRun(ctx, leader, "c1")
	require.NoError(t, err)

	runs, err := f.svc.ListRuns(ctx, memberB, "c1")
	require.NoError(t, err)
	require.Len(t, runs, 2)

	_, err = f.svc.ListRuns(ctx, outside, "c1")
	requireCode(t, err, types.ErrForbidden)

	latest, err := f.svc.LatestRun(ctx, memberB, "c1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = f.svc.GetRun(ctx, outside, first.ID)
	requireCode(t, err, types.ErrForbidden)

	// carol belongs to the consortium but not to the run snapshot
	_, err = f.svc.GetRun(ctx, auth.Identity{UserID: "carol"}, first.ID)
	require.NoError(t, err)

	err = f.svc.DeleteRun(ctx, leader, first.ID)
	requireCode(t, err, types.ErrConflict)

	_, err = f.svc.MarkReady(ctx, central, first.ID)
	require.NoError(t, err)
	_, err = f.svc.ReportComplete(ctx, central, first.ID)
	require.NoError(t, err)

	err = f.svc.DeleteRun(ctx, memberB, first.ID)
	requireCode(t, err, types.ErrForbidden)
	require.NoError(t, f.svc.DeleteRun(ctx, leader, first.ID))

	_, err = f.svc.GetRun(ctx, leader, first.ID)
	requireCode(t, err, types.ErrNotFound)

	_, err = f.svc.LatestRun(ctx, leader, "empty")
	requireCode(t, err, types.ErrNotFound)
}

// Leader starts a run for [A,B]; the launcher marks it ready; B fails to
// launch; A still completes and the launcher reports completion.
func TestScenario_IndependentParticipantFailure(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()

	run, err := f.svc.StartRun(ctx, leader, "c1")
	require.NoError(t, err)
	_, err = f.svc.MarkReady(ctx, central, run.ID)
	require.NoError(t, err)

	run, err = f.svc.ReportError(ctx, memberB, run.ID, "container runtime unreachable")
	require.NoError(t, err)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "bob", run.Errors[0].User)
	assert.Equal(t, "container runtime unreachable", run.Errors[0].Message)

	run, err = f.svc.ReportComplete(ctx, central, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, run.Status)
	assert.Len(t, run.Errors, 1)
}
