package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/errors"
	"github.com/vinayprograms/taskhub/logging"
	"github.com/vinayprograms/taskhub/metrics"
	"github.com/vinayprograms/taskhub/protocol"
)

const engineSyncTimeout = 2 * time.Second

// Common errors.
var (
	ErrAlreadyStarted = stderrors.New("scheduler already started")
	ErrNotStarted     = stderrors.New("scheduler not started")
	ErrInvalidConfig  = stderrors.New("invalid configuration")
)

// Config holds the tunables read from the config file.
type Config struct {
	// Policy names the engine selection policy.
	// Default: leastload
	Policy string `toml:"policy"`

	// HWM caps outstanding tasks per engine. Zero means unlimited.
	// Default: 1
	HWM int `toml:"hwm"`

	// StrandedGrace is how long to wait for in-flight results after an
	// engine leaves before failing its tasks.
	// Default: 5s
	StrandedGrace time.Duration `toml:"stranded_grace"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Policy:        PolicyLeastLoad,
		HWM:           1,
		StrandedGrace: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := LookupPolicy(c.Policy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.HWM < 0 {
		return fmt.Errorf("%w: hwm must not be negative", ErrInvalidConfig)
	}
	if c.StrandedGrace < 0 {
		return fmt.Errorf("%w: stranded_grace must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Options configures a Scheduler.
type Options struct {
	Config

	Bus     bus.MessageBus
	Codec   codec.Codec
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	// Rand drives the random policies. Default: seeded from the clock.
	Rand *rand.Rand
}

type engine struct {
	id        int
	queue     string
	control   string
	pending   map[string]*job
	completed set
	failed    set
}

type job struct {
	msgID     string
	clientID  string
	raw       []byte
	seq       uint64
	submitted time.Time
	targets   set
	after     Dependency
	follow    Dependency
	blacklist set
	deadline  time.Time
	timerGen  int
}

func (j *job) dependents() []string {
	ids := newSet()
	for id := range j.after.IDs {
		ids.add(id)
	}
	for id := range j.follow.IDs {
		ids.add(id)
	}
	return ids.sorted()
}

// Scheduler assigns submitted tasks to registered engines. All fields
// below the loop state marker are owned by the loop started by Start.
type Scheduler struct {
	cfg        Config
	bus        bus.MessageBus
	codec      codec.Codec
	logger     *logging.Logger
	metrics    *metrics.Metrics
	policy     Policy
	policyName string
	rng        *rand.Rand

	calls   chan func()
	running atomic.Bool
	subs    map[string]bus.Subscription
	cancel  context.CancelFunc
	doneCh  chan struct{}

	// loop state
	targets      []*engine // least recently used first
	loads        []int     // parallel to targets
	engines      map[string]*engine
	departed     map[string]*engine
	queue        []string
	queueMap     map[string]*job
	graph        map[string]set
	destinations map[string]string
	retries      map[string]int
	allIDs       set
	allCompleted set
	allFailed    set
	allDone      set
	seq          uint64
}

// New creates a scheduler. Zero config fields take their defaults except
// HWM, where zero means unlimited.
func New(opts Options) (*Scheduler, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("%w: bus required", ErrInvalidConfig)
	}
	def := DefaultConfig()
	if opts.Policy == "" {
		opts.Policy = def.Policy
	}
	if opts.StrandedGrace == 0 {
		opts.StrandedGrace = def.StrandedGrace
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	policy, _ := LookupPolicy(opts.Policy)
	if opts.Codec == nil {
		opts.Codec = codec.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Scheduler{
		cfg:          opts.Config,
		bus:          opts.Bus,
		codec:        opts.Codec,
		logger:       opts.Logger.WithComponent("scheduler"),
		metrics:      opts.Metrics,
		policy:       policy,
		policyName:   strings.ToLower(opts.Policy),
		rng:          opts.Rand,
		calls:        make(chan func(), 256),
		engines:      make(map[string]*engine),
		departed:     make(map[string]*engine),
		queueMap:     make(map[string]*job),
		graph:        make(map[string]set),
		destinations: make(map[string]string),
		retries:      make(map[string]int),
		allIDs:       newSet(),
		allCompleted: newSet(),
		allFailed:    newSet(),
		allDone:      newSet(),
	}, nil
}

// Start subscribes to submissions, results, aborts and hub notifications
// and runs the loop until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	s.subs = make(map[string]bus.Subscription)
	for _, subject := range []string{
		protocol.SubjectSubmit,
		protocol.SubjectResult,
		protocol.SubjectAbort,
		protocol.SubjectNotification,
	} {
		sub, err := s.bus.Subscribe(subject)
		if err != nil {
			s.unsubscribe()
			s.running.Store(false)
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs[subject] = sub
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	go s.syncEngines()
	s.logger.Info("scheduler started", map[string]interface{}{
		"policy": s.policyName,
		"hwm":    s.cfg.HWM,
	})
	return nil
}

// Stop ends the loop and waits for it to exit. Queued tasks are dropped.
func (s *Scheduler) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	s.cancel()
	<-s.doneCh
	s.unsubscribe()
	return nil
}

func (s *Scheduler) unsubscribe() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	submit := s.subs[protocol.SubjectSubmit].Messages()
	results := s.subs[protocol.SubjectResult].Messages()
	aborts := s.subs[protocol.SubjectAbort].Messages()
	notes := s.subs[protocol.SubjectNotification].Messages()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.calls:
			fn()
		case msg, ok := <-notes:
			if !ok {
				return
			}
			s.handleNotification(msg)
		case msg, ok := <-submit:
			if !ok {
				return
			}
			s.handleSubmit(msg)
		case msg, ok := <-results:
			if !ok {
				return
			}
			s.handleResult(msg)
		case msg, ok := <-aborts:
			if !ok {
				return
			}
			s.handleAbort(msg)
		}
	}
}

// post queues fn for the loop. Used by timers.
func (s *Scheduler) post(fn func()) {
	select {
	case s.calls <- fn:
	case <-s.doneCh:
	}
}

// do runs fn on the loop and waits for it.
func (s *Scheduler) do(ctx context.Context, fn func()) error {
	if !s.running.Load() {
		return ErrNotStarted
	}
	done := make(chan struct{})
	select {
	case s.calls <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return ErrNotStarted
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- message handlers ---

func (s *Scheduler) handleNotification(msg *bus.Message) {
	var n protocol.Notification
	if err := s.codec.Unmarshal(msg.Data, &n); err != nil {
		s.logger.Warn("malformed notification", map[string]interface{}{"error": err.Error()})
		return
	}
	switch n.Type {
	case protocol.NotifyRegistration:
		s.registerEngine(n)
	case protocol.NotifyUnregistration:
		s.unregisterEngine(n.Queue)
	}
}

func (s *Scheduler) handleSubmit(msg *bus.Message) {
	var env protocol.TaskEnvelope
	if err := s.codec.Unmarshal(msg.Data, &env); err != nil {
		s.logger.Warn("malformed submission", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := env.Validate(); err != nil {
		s.logger.Warn("invalid submission", map[string]interface{}{
			"msg_id": env.Header.MsgID,
			"error":  err.Error(),
		})
		if env.Header.MsgID != "" && protocol.ValidateIdentity("client", env.Header.ClientID) == nil {
			s.send(protocol.ClientResultSubject(env.Header.ClientID),
				protocol.FailedResult(env.Header.MsgID, env.Header.ClientID, "", err))
		}
		return
	}
	if s.allIDs.has(env.Header.MsgID) {
		s.logger.Warn("duplicate msg_id ignored", map[string]interface{}{"msg_id": env.Header.MsgID})
		return
	}
	s.publish(protocol.SubjectMonitorSubmit, msg.Data)
	s.submit(&env, msg.Data)
}

func (s *Scheduler) handleResult(msg *bus.Message) {
	var res protocol.ResultEnvelope
	if err := s.codec.Unmarshal(msg.Data, &res); err != nil {
		s.logger.Warn("malformed result", map[string]interface{}{"error": err.Error()})
		return
	}
	e, j := s.findPending(res.Engine, res.ParentID)
	if j == nil {
		s.logger.Warn("result for a task not pending on any engine", map[string]interface{}{
			"msg_id": res.ParentID,
			"engine": res.Engine,
		})
		return
	}
	if res.Engine == "" {
		res.Engine = e.queue
	}
	if idx := s.indexOf(e); idx >= 0 {
		s.finishJob(idx)
	}
	s.processResult(e, j, &res)
}

func (s *Scheduler) handleAbort(msg *bus.Message) {
	var req protocol.AbortRequest
	if err := s.codec.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("malformed abort request", map[string]interface{}{"error": err.Error()})
		return
	}
	byControl := make(map[string][]string)
	for _, id := range req.MsgIDs {
		if _, queued := s.queueMap[id]; queued {
			s.failQueued(id, errors.TaskAborted(id))
			continue
		}
		if e, _ := s.findPending("", id); e != nil {
			byControl[e.control] = append(byControl[e.control], id)
			continue
		}
		s.logger.Debug("abort for a task that is not running", map[string]interface{}{"msg_id": id})
	}
	for control, ids := range byControl {
		s.send(protocol.EngineControlSubject(control), protocol.ControlMessage{
			Type:   protocol.ControlAbort,
			MsgIDs: ids,
		})
	}
}

// --- engine membership ---

func (s *Scheduler) registerEngine(n protocol.Notification) {
	if _, ok := s.engines[n.Queue]; ok {
		s.logger.Warn("engine registered twice", map[string]interface{}{"queue": n.Queue, "id": n.ID})
		return
	}
	control := n.Control
	if control == "" {
		control = n.Queue
	}
	e := &engine{
		id:        n.ID,
		queue:     n.Queue,
		control:   control,
		pending:   make(map[string]*job),
		completed: newSet(),
		failed:    newSet(),
	}
	s.engines[n.Queue] = e
	s.targets = append([]*engine{e}, s.targets...)
	s.loads = append([]int{0}, s.loads...)
	s.logger.Info("engine added", map[string]interface{}{"id": n.ID, "queue": n.Queue})
	s.updateGraph("")
}

// syncEngines asks the hub for engines that registered before the
// scheduler subscribed to notifications. Without a hub there is nothing to
// catch up on.
func (s *Scheduler) syncEngines() {
	data, err := s.codec.Marshal(protocol.QueryRequest{Type: protocol.QueryConnection})
	if err != nil {
		return
	}
	msg, err := s.bus.Request(protocol.SubjectQuery, data, engineSyncTimeout)
	if err != nil {
		if !stderrors.Is(err, bus.ErrNoResponders) {
			s.logger.Warn("engine sync failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	var reply protocol.QueryReply
	if err := s.codec.Unmarshal(msg.Data, &reply); err != nil {
		s.logger.Warn("malformed connection reply", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := reply.Err(); err != nil {
		s.logger.Warn("engine sync refused", map[string]interface{}{"error": err.Error()})
		return
	}
	ids := make([]int, 0, len(reply.Engines))
	for id := range reply.Engines {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	s.post(func() {
		for _, id := range ids {
			queue := reply.Engines[id]
			if _, known := s.engines[queue]; known {
				continue
			}
			if _, gone := s.departed[queue]; gone {
				continue
			}
			s.registerEngine(protocol.Notification{
				Type:    protocol.NotifyRegistration,
				ID:      id,
				Queue:   queue,
				Control: reply.Controls[id],
			})
		}
	})
}

func (s *Scheduler) unregisterEngine(queue string) {
	e, ok := s.engines[queue]
	if !ok {
		return
	}
	delete(s.engines, queue)
	if idx := s.indexOf(e); idx >= 0 {
		s.targets = append(s.targets[:idx], s.targets[idx+1:]...)
		s.loads = append(s.loads[:idx], s.loads[idx+1:]...)
	}
	s.logger.Info("engine removed", map[string]interface{}{
		"id":      e.id,
		"queue":   queue,
		"pending": len(e.pending),
	})
	if len(e.pending) == 0 {
		return
	}
	s.departed[queue] = e
	time.AfterFunc(s.cfg.StrandedGrace, func() {
		s.post(func() { s.handleStranded(e) })
	})
}

// handleStranded fails whatever e still owes once the grace period ends.
func (s *Scheduler) handleStranded(e *engine) {
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		j, ok := e.pending[id]
		if !ok {
			continue
		}
		s.logger.Warn("task stranded by departed engine", map[string]interface{}{
			"msg_id": id,
			"queue":  e.queue,
		})
		res := protocol.FailedResult(id, j.clientID, e.queue, errors.EngineError(id, e.queue))
		s.processResult(e, j, res)
	}
	if s.departed[e.queue] == e {
		delete(s.departed, e.queue)
	}
}

func (s *Scheduler) indexOf(e *engine) int {
	for i, t := range s.targets {
		if t == e {
			return i
		}
	}
	return -1
}

// findPending locates the engine a task is outstanding on, preferring the
// named queue.
func (s *Scheduler) findPending(queue, msgID string) (*engine, *job) {
	if queue != "" {
		for _, e := range []*engine{s.engines[queue], s.departed[queue]} {
			if e == nil {
				continue
			}
			if j, ok := e.pending[msgID]; ok {
				return e, j
			}
		}
	}
	for _, pool := range []map[string]*engine{s.engines, s.departed} {
		for _, e := range pool {
			if j, ok := e.pending[msgID]; ok {
				return e, j
			}
		}
	}
	return nil, nil
}

// --- submission ---

func (s *Scheduler) submit(env *protocol.TaskEnvelope, raw []byte) {
	id := env.Header.MsgID
	s.allIDs.add(id)
	s.metrics.TasksSubmitted.Inc()
	s.seq++

	md := env.Metadata
	j := &job{
		msgID:     id,
		clientID:  env.Header.ClientID,
		raw:       raw,
		seq:       s.seq,
		submitted: time.Now(),
		after:     NewDependency(md.After),
		follow:    NewDependency(md.Follow),
		blacklist: newSet(),
	}
	if len(md.Targets) > 0 {
		j.targets = newSet(md.Targets...)
	}
	if md.Timeout > 0 {
		j.deadline = j.submitted.Add(time.Duration(md.Timeout * float64(time.Second)))
	}
	s.retries[id] = md.Retries

	j.after.Reduce(s.allCompleted, s.allFailed)
	for _, dep := range []Dependency{j.after, j.follow} {
		if dep.Empty() {
			continue
		}
		if dep.IDs.has(id) {
			s.queueMap[id] = j
			s.failQueued(id, errors.InvalidDependency(id, "task depends on itself"))
			return
		}
		var unknown []string
		for _, other := range dep.IDs.sorted() {
			if !s.allIDs.has(other) {
				unknown = append(unknown, other)
			}
		}
		if len(unknown) > 0 {
			s.queueMap[id] = j
			s.failQueued(id, errors.InvalidDependency(id, "unknown dependencies: "+strings.Join(unknown, ", ")))
			return
		}
		if dep.Unreachable(s.allCompleted, s.allFailed) {
			s.queueMap[id] = j
			s.failQueued(id, errors.ImpossibleDependency(id, "dependency outcomes already rule this task out"))
			return
		}
	}

	if j.after.Check(s.allCompleted, s.allFailed) {
		if !s.maybeRun(j) && !s.allFailed.has(id) {
			s.saveUnmet(j)
		}
		return
	}
	s.saveUnmet(j)
}

// availableEngines lists the indices of engines below the HWM.
func (s *Scheduler) availableEngines() []int {
	var out []int
	for i, load := range s.loads {
		if s.cfg.HWM == 0 || load < s.cfg.HWM {
			out = append(out, i)
		}
	}
	return out
}

func (s *Scheduler) canRun(j *job, idx int) bool {
	if s.cfg.HWM > 0 && s.loads[idx] >= s.cfg.HWM {
		return false
	}
	e := s.targets[idx]
	if j.blacklist.has(e.queue) {
		return false
	}
	if len(j.targets) > 0 && !j.targets.has(e.queue) {
		return false
	}
	return j.follow.Check(e.completed, e.failed)
}

// maybeRun dispatches j if some engine can take it. When no engine can and
// none ever will, j is failed.
func (s *Scheduler) maybeRun(j *job) bool {
	if len(s.targets) == 0 {
		return false
	}

	var indices []int
	if !j.follow.Empty() || len(j.targets) > 0 || len(j.blacklist) > 0 || s.cfg.HWM > 0 {
		for idx := range s.targets {
			if s.canRun(j, idx) {
				indices = append(indices, idx)
			}
		}
		if len(indices) == 0 {
			if reason := s.impossible(j); reason != "" {
				s.queueMap[j.msgID] = j
				s.failQueued(j.msgID, errors.ImpossibleDependency(j.msgID, reason))
			}
			return false
		}
	}

	s.assign(j, indices)
	return true
}

// impossible explains why j can never run anywhere, or returns "".
func (s *Scheduler) impossible(j *job) string {
	if j.follow.All && !j.follow.Empty() {
		dests := newSet()
		for _, id := range j.follow.Relevant(s.allCompleted, s.allFailed) {
			dests.add(s.destinations[id])
		}
		if len(dests) > 1 {
			return "follow dependencies ran on different engines: " + strings.Join(dests.sorted(), ", ")
		}
	}
	if len(j.targets) > 0 {
		for b := range j.blacklist {
			delete(j.targets, b)
		}
		if len(j.targets) == 0 {
			return "every target engine has failed this task"
		}
		for t := range j.targets {
			if _, ok := s.engines[t]; ok {
				return ""
			}
		}
		return "none of the target engines is registered: " + strings.Join(j.targets.sorted(), ", ")
	}
	return ""
}

// assign sends j to the engine the policy picks among indices, or among
// all engines when indices is nil.
func (s *Scheduler) assign(j *job, indices []int) {
	loads := s.loads
	if indices != nil {
		loads = make([]int, len(indices))
		for i, idx := range indices {
			loads[i] = s.loads[idx]
		}
	}
	choice := s.policy(s.rng, loads)
	if choice < 0 || choice >= len(loads) {
		s.logger.Error("policy returned an out of range index", map[string]interface{}{
			"policy": s.policyName,
			"index":  choice,
		})
		choice = 0
	}
	idx := choice
	if indices != nil {
		idx = indices[choice]
	}
	e := s.targets[idx]

	s.publish(protocol.EngineTaskSubject(e.queue), j.raw)

	s.loads[idx]++
	load := s.loads[idx]
	s.targets = append(append(s.targets[:idx:idx], s.targets[idx+1:]...), e)
	s.loads = append(append(s.loads[:idx:idx], s.loads[idx+1:]...), load)
	e.pending[j.msgID] = j

	s.send(protocol.SubjectMonitorDestination, protocol.DestinationMessage{
		MsgID:  j.msgID,
		Engine: e.queue,
		Date:   time.Now().UTC(),
	})
	s.metrics.TasksDispatched.WithLabelValues(s.policyName).Inc()
	s.logger.Debug("task assigned", map[string]interface{}{"msg_id": j.msgID, "queue": e.queue})
}

func (s *Scheduler) saveUnmet(j *job) {
	s.queueMap[j.msgID] = j
	s.queue = append(s.queue, j.msgID)
	for _, dep := range j.dependents() {
		if s.allDone.has(dep) {
			continue
		}
		if s.graph[dep] == nil {
			s.graph[dep] = newSet()
		}
		s.graph[dep].add(j.msgID)
	}
	if !j.deadline.IsZero() {
		j.timerGen++
		gen := j.timerGen
		time.AfterFunc(time.Until(j.deadline), func() {
			s.post(func() { s.jobTimeout(j, gen) })
		})
	}
	s.metrics.TasksQueued.Set(float64(len(s.queueMap)))
}

func (s *Scheduler) jobTimeout(j *job, gen int) {
	if j.timerGen != gen {
		return
	}
	if cur, ok := s.queueMap[j.msgID]; ok && cur == j {
		s.logger.Info("task timed out in queue", map[string]interface{}{"msg_id": j.msgID})
		s.failQueued(j.msgID, errors.TaskTimeout(j.msgID))
	}
}

func (s *Scheduler) unlink(j *job) {
	for _, dep := range j.dependents() {
		if g := s.graph[dep]; g != nil {
			delete(g, j.msgID)
			if len(g) == 0 {
				delete(s.graph, dep)
			}
		}
	}
}

// failQueued resolves a queued task as failed without it ever running and
// tells the client.
func (s *Scheduler) failQueued(id string, err error) {
	j, ok := s.queueMap[id]
	if !ok {
		return
	}
	delete(s.queueMap, id)
	delete(s.retries, id)
	s.unlink(j)
	s.allDone.add(id)
	s.allFailed.add(id)
	s.logger.Info("task failed before running", map[string]interface{}{
		"msg_id": id,
		"error":  err.Error(),
	})
	s.relay(protocol.FailedResult(id, j.clientID, "", err))
	s.metrics.TasksQueued.Set(float64(len(s.queueMap)))
	s.updateGraph(id)
}

// --- results ---

func (s *Scheduler) finishJob(idx int) {
	s.loads[idx]--
	if s.cfg.HWM > 0 && s.loads[idx] == s.cfg.HWM-1 {
		s.updateGraph("")
	}
}

func (s *Scheduler) processResult(e *engine, j *job, res *protocol.ResultEnvelope) {
	id := j.msgID
	if !res.Succeeded() && res.Status != protocol.StatusAborted && s.retries[id] > 0 {
		s.retries[id]--
		s.metrics.TaskRetries.Inc()
		s.logger.Info("retrying failed task", map[string]interface{}{
			"msg_id":  id,
			"queue":   e.queue,
			"retries": s.retries[id],
		})
		s.retry(e, j)
		return
	}
	delete(s.retries, id)

	if res.ClientID == "" {
		res.ClientID = j.clientID
	}
	s.relay(res)

	delete(e.pending, id)
	if res.Succeeded() {
		e.completed.add(id)
		s.allCompleted.add(id)
	} else {
		e.failed.add(id)
		s.allFailed.add(id)
	}
	s.allDone.add(id)
	s.destinations[id] = e.queue
	s.updateGraph(id)
}

// retry runs j again anywhere but e.
func (s *Scheduler) retry(e *engine, j *job) {
	delete(e.pending, j.msgID)
	j.blacklist.add(e.queue)

	exhausted := len(j.targets) > 0
	for t := range j.targets {
		if !j.blacklist.has(t) {
			exhausted = false
			break
		}
	}
	switch {
	case exhausted:
		s.queueMap[j.msgID] = j
		s.failQueued(j.msgID, errors.ImpossibleDependency(j.msgID, "every target engine has failed this task"))
	case !s.maybeRun(j):
		if !s.allFailed.has(j.msgID) {
			s.saveUnmet(j)
		}
	}

	if s.cfg.HWM > 0 {
		if idx := s.indexOf(e); idx >= 0 && s.loads[idx] == s.cfg.HWM-1 {
			s.updateGraph("")
		}
	}
}

// updateGraph re-examines queued tasks after depID finished. An empty
// depID rescans the whole queue, as does an engine dropping below the HWM.
func (s *Scheduler) updateGraph(depID string) {
	var waiting set
	if depID != "" {
		waiting = s.graph[depID]
		delete(s.graph, depID)
	}

	full := depID == ""
	if !full && s.cfg.HWM > 0 {
		for _, load := range s.loads {
			if load == s.cfg.HWM-1 {
				full = true
				break
			}
		}
	}

	var jobs []*job
	if full {
		seen := newSet()
		for _, id := range s.queue {
			if j, ok := s.queueMap[id]; ok && !seen.has(id) {
				seen.add(id)
				jobs = append(jobs, j)
			}
		}
	} else {
		for id := range waiting {
			if j, ok := s.queueMap[id]; ok {
				jobs = append(jobs, j)
			}
		}
		sort.Slice(jobs, func(a, b int) bool { return jobs[a].seq < jobs[b].seq })
	}

	for _, j := range jobs {
		if cur, ok := s.queueMap[j.msgID]; !ok || cur != j {
			continue
		}
		if j.after.Unreachable(s.allCompleted, s.allFailed) || j.follow.Unreachable(s.allCompleted, s.allFailed) {
			s.failQueued(j.msgID, errors.ImpossibleDependency(j.msgID, "dependency outcomes rule this task out"))
			continue
		}
		if !j.after.Check(s.allCompleted, s.allFailed) {
			continue
		}
		if s.maybeRun(j) {
			delete(s.queueMap, j.msgID)
			s.unlink(j)
			if len(s.availableEngines()) == 0 {
				break
			}
		}
	}
	s.compactQueue()
}

func (s *Scheduler) compactQueue() {
	seen := newSet()
	kept := s.queue[:0]
	for _, id := range s.queue {
		if _, ok := s.queueMap[id]; ok && !seen.has(id) {
			seen.add(id)
			kept = append(kept, id)
		}
	}
	s.queue = kept
	s.metrics.TasksQueued.Set(float64(len(s.queueMap)))
}

// --- output ---

func (s *Scheduler) relay(res *protocol.ResultEnvelope) {
	if res.ClientID != "" {
		s.send(protocol.ClientResultSubject(res.ClientID), res)
	}
	s.send(protocol.SubjectMonitorResult, res)
	s.metrics.TasksFinished.WithLabelValues(string(res.Status)).Inc()
}

func (s *Scheduler) send(subject string, v any) {
	data, err := s.codec.Marshal(v)
	if err != nil {
		s.logger.Error("encode message", map[string]interface{}{"subject": subject, "error": err.Error()})
		return
	}
	s.publish(subject, data)
}

func (s *Scheduler) publish(subject string, data []byte) {
	if err := s.bus.Publish(subject, data); err != nil {
		s.logger.Error("publish failed", map[string]interface{}{"subject": subject, "error": err.Error()})
	}
}

// --- introspection ---

// EngineStats describes one engine as the scheduler sees it.
type EngineStats struct {
	ID        int    `json:"id"`
	Queue     string `json:"queue"`
	Load      int    `json:"load"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Stats is a snapshot of scheduler state.
type Stats struct {
	Policy    string        `json:"policy"`
	HWM       int           `json:"hwm"`
	Engines   []EngineStats `json:"engines"` // least recently used first
	Queued    []string      `json:"queued"`
	Submitted int           `json:"submitted"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
}

// Stats returns a snapshot taken on the loop.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.do(ctx, func() {
		st.Policy = s.policyName
		st.HWM = s.cfg.HWM
		for i, e := range s.targets {
			st.Engines = append(st.Engines, EngineStats{
				ID:        e.id,
				Queue:     e.queue,
				Load:      s.loads[i],
				Completed: len(e.completed),
				Failed:    len(e.failed),
			})
		}
		for _, id := range s.queue {
			if _, ok := s.queueMap[id]; ok {
				st.Queued = append(st.Queued, id)
			}
		}
		st.Submitted = len(s.allIDs)
		st.Completed = len(s.allCompleted)
		st.Failed = len(s.allFailed)
	})
	return st, err
}
