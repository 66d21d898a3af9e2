package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artbot/artbot/internal/admission"
	"github.com/artbot/artbot/internal/config"
	"github.com/artbot/artbot/internal/horde"
	"github.com/artbot/artbot/internal/job"
	"github.com/artbot/artbot/internal/store"
)

// Remote is the horde surface used to create and follow jobs.
type Remote interface {
	CreateJob(ctx context.Context, p job.Params) (*horde.CreateResult, error)
	CheckJob(ctx context.Context, id string) (*horde.CheckResult, error)
	FetchJob(ctx context.Context, id string) (*horde.StatusResult, error)
}

// Converter re-encodes stored images as PNG for download.
type Converter interface {
	ConvertPNG(ctx context.Context, base64Image string) (*horde.PNGResult, error)
}

// Telemetry receives fire-and-forget usage events.
type Telemetry interface {
	Track(ctx context.Context, event, where string)
}

// FileWriter stores downloaded files. WriteNew fails with fs.ErrExist instead of
// replacing a file.
type FileWriter interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	WriteNew(ctx context.Context, key string, data []byte) (string, error)
}

type nopTelemetry struct{}

func (nopTelemetry) Track(context.Context, string, string) {}

// SSEEvent is a per-job event delivered to subscribers.
type SSEEvent struct {
	Event string // "status", "result"
	Data  string // JSON string
}

type Deps struct {
	Remote    Remote
	Converter Converter
	Records   store.Records
	Staging   store.Staging
	Telemetry Telemetry
	Files     FileWriter
	// OnFailure is called once for every job that ends failed.
	OnFailure func(j job.Job)
}

// Queue admits, submits and follows generation jobs, and persists their results.
type Queue struct {
	cfg       *config.Config
	remote    Remote
	converter Converter
	records   store.Records
	staging   store.Staging
	telemetry Telemetry
	files     FileWriter
	onFailure func(j job.Job)

	admission *admission.Controller
	tracker   *job.Tracker

	subs map[string][]chan SSEEvent
	mu   sync.RWMutex

	cycling atomic.Bool
	runMu   sync.Mutex
	stop    context.CancelFunc
	done    chan struct{}
	now     func() time.Time
}

// New creates a Queue. Polling starts with Start.
func New(cfg *config.Config, deps Deps) *Queue {
	tel := deps.Telemetry
	if tel == nil {
		tel = nopTelemetry{}
	}
	return &Queue{
		cfg:       cfg,
		remote:    deps.Remote,
		converter: deps.Converter,
		records:   deps.Records,
		staging:   deps.Staging,
		telemetry: tel,
		files:     deps.Files,
		onFailure: deps.OnFailure,
		admission: admission.New(admission.Limits{
			MaxAnon:  cfg.MaxJobsAnon,
			MaxUser:  cfg.MaxJobsUser,
			Interval: cfg.CreateInterval,
		}),
		tracker: job.NewTracker(cfg.StaleAfterDuration()),
		subs:    make(map[string][]chan SSEEvent),
		now:     time.Now,
	}
}

// Job returns an in-flight job.
func (q *Queue) Job(id string) (job.Job, bool) {
	return q.tracker.Get(id)
}

// Jobs returns every in-flight job, oldest first.
func (q *Queue) Jobs() []job.Job {
	return q.tracker.List()
}

// AdmissionState returns the current admission counters.
func (q *Queue) AdmissionState() admission.State {
	return q.admission.State()
}

// Subscribe creates a buffered SSE channel for a job and returns it.
func (q *Queue) Subscribe(jobID string) chan SSEEvent {
	ch := make(chan SSEEvent, 64)
	q.mu.Lock()
	q.subs[jobID] = append(q.subs[jobID], ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes an SSE channel from the map.
func (q *Queue) Unsubscribe(jobID string, ch chan SSEEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	chans := q.subs[jobID]
	for i, c := range chans {
		if c == ch {
			q.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(q.subs[jobID]) == 0 {
		delete(q.subs, jobID)
	}
}

func (q *Queue) publishStatus(j job.Job) {
	data, err := json.Marshal(j)
	if err != nil {
		slog.Error("queue: encode status event", "job_id", j.ID, "error", err)
		return
	}
	q.notify(j.ID, SSEEvent{Event: "status", Data: string(data)})
}

func (q *Queue) publishResult(j job.Job) {
	data, err := json.Marshal(j)
	if err != nil {
		slog.Error("queue: encode result event", "job_id", j.ID, "error", err)
	}
	q.notifyAndClose(j.ID, SSEEvent{Event: "result", Data: string(data)})
}

// notify sends an event to all subscribers of a job without blocking.
func (q *Queue) notify(jobID string, event SSEEvent) {
	q.mu.RLock()
	chans := q.subs[jobID]
	q.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (q *Queue) notifyAndClose(jobID string, event SSEEvent) {
	q.mu.Lock()
	chans := q.subs[jobID]
	delete(q.subs, jobID)
	q.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}
