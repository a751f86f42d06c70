package task

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/meshlink/core"
	"github.com/hupe1980/meshlink/internal/util"
	"github.com/hupe1980/meshlink/logging"
	"github.com/hupe1980/meshlink/transport"
)

// taskResult resolves a Request completion handle exactly once.
type taskResult struct {
	value any
	err   error
}

// Manager owns the TaskInfo lifecycle for one mesh participant. Tasks
// created here are tracked authoritatively; tasks observed via task.*
// traffic are tracked as eventually-consistent replicas. Public methods are
// safe for concurrent use.
type Manager struct {
	serviceID    string
	subject      string
	capabilities []string

	maxRetries        int
	initialRetryDelay time.Duration
	backoffFactor     float64
	maxRetryDelay     time.Duration
	defaultTimeout    time.Duration

	tp     transport.Transport
	logger logging.Logger

	mu          sync.Mutex
	tasks       map[string]*core.TaskInfo
	origins     map[string]string
	handlers    map[string]Handler
	waiters     map[string]chan taskResult
	running     map[string]context.CancelFunc
	execTimers  map[string]*time.Timer
	retryTimers map[string]*time.Timer
	listeners   []func(Event)
	pending     []Event
	sub         transport.Subscription
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	started     bool
}

// NewManager constructs a Manager for the given local service identity.
func NewManager(serviceID string, tp transport.Transport, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Subject:           DefaultSubject,
		MaxRetries:        3,
		InitialRetryDelay: 500 * time.Millisecond,
		BackoffFactor:     2,
		MaxRetryDelay:     30 * time.Second,
		DefaultTimeout:    30 * time.Second,
		Logger:            logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Manager{
		serviceID:         serviceID,
		subject:           opts.Subject,
		capabilities:      opts.Capabilities,
		maxRetries:        opts.MaxRetries,
		initialRetryDelay: opts.InitialRetryDelay,
		backoffFactor:     opts.BackoffFactor,
		maxRetryDelay:     opts.MaxRetryDelay,
		defaultTimeout:    opts.DefaultTimeout,
		tp:                tp,
		logger:            opts.Logger,
		tasks:             make(map[string]*core.TaskInfo),
		origins:           make(map[string]string),
		handlers:          make(map[string]Handler),
		waiters:           make(map[string]chan taskResult),
		running:           make(map[string]context.CancelFunc),
		execTimers:        make(map[string]*time.Timer),
		retryTimers:       make(map[string]*time.Timer),
	}
}

// Start subscribes to task.* traffic. Handler executions launched later are
// bound to the given context.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.baseCtx, m.baseCancel = context.WithCancel(ctx)
	m.mu.Unlock()

	sub, err := m.tp.Subscribe(m.subject, m.handle)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	return nil
}

// Stop cancels running handlers, stops pending timers and detaches from the
// transport.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.baseCancel
	sub := m.sub
	for id, t := range m.execTimers {
		t.Stop()
		delete(m.execTimers, id)
	}
	for id, t := range m.retryTimers {
		t.Stop()
		delete(m.retryTimers, id)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// RegisterHandler installs the executor for a task type. When this process
// is assigned a task of that type the handler runs; its return value
// auto-completes the task, an error auto-fails it.
func (m *Manager) RegisterHandler(taskType string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[taskType] = fn
}

// OnEvent registers a lifecycle observer. Observers run synchronously and
// must not block.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Get returns a snapshot of one tracked task.
func (m *Manager) Get(taskID string) (*core.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, &core.TaskNotFoundError{TaskID: taskID}
	}
	return t.Clone(), nil
}

// List returns snapshots of every tracked task matching the filter; a nil
// filter matches everything.
func (m *Manager) List(filter func(t *core.TaskInfo) bool) []*core.TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.TaskInfo
	for _, t := range m.tasks {
		if filter == nil || filter(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Create registers a new task and announces it on the mesh. Without an
// AssignTo option the task stays PENDING until a capable peer claims it;
// concurrent claims resolve first-observed-wins from this manager's
// perspective. Dependency cycles are rejected with *CyclicDependencyError.
func (m *Manager) Create(ctx context.Context, taskType string, params map[string]any, optFns ...func(o *CreateOptions)) (string, error) {
	opts := CreateOptions{Priority: core.PriorityNormal}
	for _, fn := range optFns {
		fn(&opts)
	}

	taskID := util.NewID()
	now := time.Now().UTC()

	m.mu.Lock()
	if cycle := m.findCycleLocked(opts.Dependencies); cycle != nil {
		m.mu.Unlock()
		return "", &core.CyclicDependencyError{TaskID: taskID, Cycle: cycle}
	}
	maxRetries := m.maxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	t := &core.TaskInfo{
		TaskID:       taskID,
		TaskType:     taskType,
		Status:       core.TaskPending,
		Blocked:      m.hasUnmetDependenciesLocked(opts.Dependencies),
		CreatedAt:    now,
		UpdatedAt:    now,
		Priority:     opts.Priority,
		Parameters:   params,
		Timeout:      opts.Timeout,
		Dependencies: slices.Clone(opts.Dependencies),
		MaxRetries:   maxRetries,
		Retryable:    true,
	}
	m.tasks[taskID] = t
	m.origins[taskID] = m.serviceID
	snapshot := t.Clone()
	m.mu.Unlock()

	m.emit(Event{Type: EventCreated, Task: snapshot})

	if err := m.publishCreate(ctx, core.TypeTaskCreate, snapshot, opts.AssignTo, nil); err != nil {
		return "", err
	}

	if opts.AssignTo != "" {
		assign := core.TaskAssignPayload{TaskID: taskID, AssignedTo: opts.AssignTo}
		if err := m.publish(ctx, core.NewMessage(core.TypeTaskAssign, assign, core.WithSource(m.serviceID))); err != nil {
			return "", err
		}
		m.applyAssign(assign)
	}

	return taskID, nil
}

// Request announces a task and blocks until a correlated completion or
// failure arrives, or the timeout elapses (*core.TimeoutError). The result
// of the remote handler is returned directly.
func (m *Manager) Request(ctx context.Context, taskType string, params map[string]any, optFns ...func(o *RequestOptions)) (any, error) {
	opts := RequestOptions{Priority: core.PriorityNormal}
	for _, fn := range optFns {
		fn(&opts)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	taskID := util.NewID()
	now := time.Now().UTC()
	waiter := make(chan taskResult, 1)

	m.mu.Lock()
	t := &core.TaskInfo{
		TaskID:     taskID,
		TaskType:   taskType,
		Status:     core.TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		Priority:   opts.Priority,
		Parameters: params,
		MaxRetries: m.maxRetries,
		Retryable:  true,
	}
	m.tasks[taskID] = t
	m.origins[taskID] = m.serviceID
	m.waiters[taskID] = waiter
	snapshot := t.Clone()
	m.mu.Unlock()

	m.emit(Event{Type: EventCreated, Task: snapshot})

	if err := m.publishCreate(ctx, core.TypeTaskRequest, snapshot, "", opts.RequiredCapabilities); err != nil {
		m.dropWaiter(taskID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		return res.value, res.err
	case <-timer.C:
		m.dropWaiter(taskID)
		return nil, &core.TimeoutError{Op: "task request " + taskType, Timeout: timeout}
	case <-ctx.Done():
		m.dropWaiter(taskID)
		return nil, ctx.Err()
	}
}

// Update records task progress and announces it. Progress is clamped to
// [0,100]. Updating a terminal task fails with *InvalidTransitionError.
func (m *Manager) Update(ctx context.Context, taskID string, progress int) error {
	progress = min(max(progress, 0), 100)

	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return &core.TaskNotFoundError{TaskID: taskID}
	}
	if t.Status.Terminal() {
		from := t.Status
		m.mu.Unlock()
		return &core.InvalidTransitionError{TaskID: taskID, From: from, To: from}
	}
	t.Progress = progress
	t.UpdatedAt = time.Now().UTC()
	snapshot := t.Clone()
	m.mu.Unlock()

	m.emit(Event{Type: EventUpdated, Task: snapshot})

	p := core.TaskUpdatePayload{TaskID: taskID, Status: snapshot.Status, Progress: &progress}
	return m.publish(ctx, core.NewMessage(core.TypeTaskUpdate, p, core.WithSource(m.serviceID)))
}

// Complete marks a task COMPLETED with the given result and announces it.
// Completing an already-terminal task is a no-op returning the current
// status, tolerating duplicate or late delivery. Completing a task that is
// not running fails with *InvalidTransitionError.
func (m *Manager) Complete(ctx context.Context, taskID string, result any) (core.TaskStatus, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return "", &core.TaskNotFoundError{TaskID: taskID}
	}
	if t.Status.Terminal() {
		status := t.Status
		m.mu.Unlock()
		return status, nil
	}
	if !core.CanTransition(t.Status, core.TaskCompleted) {
		from := t.Status
		m.mu.Unlock()
		return "", &core.InvalidTransitionError{TaskID: taskID, From: from, To: core.TaskCompleted}
	}
	m.mu.Unlock()

	p := core.TaskCompletePayload{TaskID: taskID, Result: result}
	if err := m.publish(ctx, core.NewMessage(core.TypeTaskComplete, p, core.WithSource(m.serviceID))); err != nil {
		return "", err
	}
	m.applyComplete(taskID, result)
	return core.TaskCompleted, nil
}

// Fail marks the current attempt failed and announces it. When the cause is
// retryable and retries remain, the delegating manager re-announces the task
// with backoff; otherwise the task lands in terminal FAILED. Failing an
// already-terminal task is a no-op returning the current status. Failing a
// task that is not running fails with *InvalidTransitionError.
func (m *Manager) Fail(ctx context.Context, taskID string, cause core.ErrorPayload) (core.TaskStatus, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return "", &core.TaskNotFoundError{TaskID: taskID}
	}
	if t.Status.Terminal() {
		status := t.Status
		m.mu.Unlock()
		return status, nil
	}
	if !core.CanTransition(t.Status, core.TaskFailed) {
		from := t.Status
		m.mu.Unlock()
		return "", &core.InvalidTransitionError{TaskID: taskID, From: from, To: core.TaskFailed}
	}
	attempt := t.RetryCount
	willRetry := cause.Retryable && attempt < t.MaxRetries
	m.mu.Unlock()

	p := core.TaskFailPayload{TaskID: taskID, Error: cause, RetryCount: attempt, Retryable: willRetry}
	if err := m.publish(ctx, core.NewMessage(core.TypeTaskFail, p, core.WithSource(m.serviceID))); err != nil {
		return "", err
	}
	m.applyFail(taskID, cause, attempt)
	if willRetry {
		return core.TaskPending, nil
	}
	return core.TaskFailed, nil
}

// Cancel requests cooperative cancellation. The task is marked CANCELLED
// locally right away; the executor observes task.cancel and aborts its own
// work. Force makes no difference locally but tells remote observers to
// treat the task as cancelled regardless of executor acknowledgement.
// Cancelling a terminal task fails with *InvalidTransitionError.
func (m *Manager) Cancel(ctx context.Context, taskID, reason string, force bool) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return &core.TaskNotFoundError{TaskID: taskID}
	}
	if !core.CanTransition(t.Status, core.TaskCancelled) {
		from := t.Status
		m.mu.Unlock()
		return &core.InvalidTransitionError{TaskID: taskID, From: from, To: core.TaskCancelled}
	}
	m.mu.Unlock()

	p := core.TaskCancelPayload{TaskID: taskID, Reason: reason, Force: force}
	if err := m.publish(ctx, core.NewMessage(core.TypeTaskCancel, p, core.WithSource(m.serviceID))); err != nil {
		return err
	}
	m.applyCancel(taskID, reason)
	return nil
}

// ---------------------------------------------------------------------------
// Message handling

// transitionLogger and messageLogger are the optional richer interfaces a
// Logger may implement to receive structured task traffic (see
// logging.MeshLogger).
type transitionLogger interface {
	LogTaskTransition(taskID, from, to string, age time.Duration)
}

type messageLogger interface {
	LogMessage(direction, msgType, source, target string)
}

func (m *Manager) logTransition(taskID string, from, to core.TaskStatus, createdAt time.Time) {
	if tl, ok := m.logger.(transitionLogger); ok {
		tl.LogTaskTransition(taskID, string(from), string(to), time.Since(createdAt))
	}
}

// handle routes inbound task.* messages.
func (m *Manager) handle(tm *transport.Msg) {
	msg, err := core.Decode(tm.Data)
	if err != nil {
		m.logger.Warn("dropping undecodable task message", "error", err)
		return
	}
	if msg.Expired(time.Now()) {
		return
	}
	if ml, ok := m.logger.(messageLogger); ok {
		ml.LogMessage("in", string(msg.Type), msg.Headers.Source, msg.Headers.Target)
	}

	switch msg.Type {
	case core.TypeTaskCreate, core.TypeTaskRequest:
		p, err := core.DecodePayload[core.TaskCreatePayload](msg)
		if err != nil {
			m.logger.Warn("dropping malformed task create payload", "error", err)
			return
		}
		m.applyCreate(msg, p)

	case core.TypeTaskAssign:
		p, err := core.DecodePayload[core.TaskAssignPayload](msg)
		if err != nil {
			m.logger.Warn("dropping malformed task assign payload", "error", err)
			return
		}
		m.applyAssign(p)

	case core.TypeTaskUpdate:
		p, err := core.DecodePayload[core.TaskUpdatePayload](msg)
		if err != nil {
			m.logger.Warn("dropping malformed task update payload", "error", err)
			return
		}
		m.applyUpdate(msg.Headers.Source, p)

	case core.TypeTaskComplete:
		p, err := core.DecodePayload[core.TaskCompletePayload](msg)
		if err != nil {
			m.logger.Warn("dropping malformed task complete payload", "error", err)
			return
		}
		m.applyComplete(p.TaskID, p.Result)

	case core.TypeTaskFail:
		p, err := core.DecodePayload[core.TaskFailPayload](msg)
		if err != nil {
			m.logger.Warn("dropping malformed task fail payload", "error", err)
			return
		}
		m.applyFail(p.TaskID, p.Error, p.RetryCount)

	case core.TypeTaskCancel:
		p, err := core.DecodePayload[core.TaskCancelPayload](msg)
		if err != nil {
			m.logger.Warn("dropping malformed task cancel payload", "error", err)
			return
		}
		m.applyCancel(p.TaskID, p.Reason)
	}
}

// applyCreate records a new task announcement (or a retry re-announcement)
// and claims it when this process can execute it.
func (m *Manager) applyCreate(msg core.Message, p core.TaskCreatePayload) {
	now := time.Now().UTC()
	isRequest := msg.Type == core.TypeTaskRequest

	m.mu.Lock()
	t, known := m.tasks[p.TaskID]
	if known {
		if t.Status.Terminal() || p.RetryCount < t.RetryCount {
			m.mu.Unlock()
			return
		}
		if p.RetryCount > t.RetryCount {
			// Retry re-announcement: the attempt counter catches up and
			// the task becomes claimable again.
			t.Status = core.TaskPending
			t.AssignedTo = ""
			t.RetryCount = p.RetryCount
			t.UpdatedAt = now
		}
		// Equal counters mean a duplicate or our own echo; no state
		// change, but the claim check below still runs.
	} else {
		t = &core.TaskInfo{
			TaskID:       p.TaskID,
			TaskType:     p.TaskType,
			Status:       core.TaskPending,
			CreatedAt:    msg.Headers.Timestamp,
			UpdatedAt:    now,
			Priority:     p.Priority,
			Parameters:   p.Parameters,
			Timeout:      time.Duration(p.TimeoutMs) * time.Millisecond,
			Dependencies: slices.Clone(p.Dependencies),
			MaxRetries:   p.MaxRetries,
			RetryCount:   p.RetryCount,
			Retryable:    true,
		}
		m.tasks[p.TaskID] = t
		m.origins[p.TaskID] = msg.Headers.Source
		m.emitLockedLater(Event{Type: EventCreated, Task: t.Clone()})
	}
	t.Blocked = m.hasUnmetDependenciesLocked(t.Dependencies)

	claim := m.canClaimLocked(t, p.AssignTo, isRequest, p.RequiredCapabilities)
	m.mu.Unlock()

	m.flushEvents()

	if claim {
		assign := core.TaskAssignPayload{TaskID: p.TaskID, AssignedTo: m.serviceID}
		if err := m.publish(context.Background(), core.NewMessage(core.TypeTaskAssign, assign, core.WithSource(m.serviceID))); err != nil {
			m.logger.Warn("task claim failed", "task_id", p.TaskID, "error", err)
		}
	}
}

// canClaimLocked decides whether this manager should claim the task for
// local execution; caller holds the lock.
func (m *Manager) canClaimLocked(t *core.TaskInfo, assignTo string, isRequest bool, required []string) bool {
	if t.Status != core.TaskPending || t.AssignedTo != "" || t.Blocked {
		return false
	}
	if assignTo != "" && assignTo != m.serviceID {
		return false
	}
	if _, ok := m.handlers[t.TaskType]; !ok {
		return false
	}
	if isRequest {
		for _, cap := range required {
			if !slices.Contains(m.capabilities, cap) {
				return false
			}
		}
	}
	return true
}

// applyAssign resolves a claim. The first observed claim wins; later claims
// for an already-assigned task are logged and dropped. When the claim names
// this process the handler execution starts.
func (m *Manager) applyAssign(p core.TaskAssignPayload) {
	m.mu.Lock()
	t, ok := m.tasks[p.TaskID]
	if !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	if t.AssignedTo != "" && t.AssignedTo != p.AssignedTo {
		m.mu.Unlock()
		m.logger.Debug("ignoring duplicate task claim", "task_id", p.TaskID, "claimant", p.AssignedTo, "assigned_to", t.AssignedTo)
		return
	}
	if t.AssignedTo == "" {
		t.AssignedTo = p.AssignedTo
		if t.Status == core.TaskPending {
			t.Status = core.TaskAssigned
		}
		t.UpdatedAt = time.Now().UTC()
		m.emitLockedLater(Event{Type: EventAssigned, Task: t.Clone()})
	}
	_, alreadyRunning := m.running[p.TaskID]
	start := p.AssignedTo == m.serviceID && t.Status == core.TaskAssigned && !t.Blocked && !alreadyRunning
	m.mu.Unlock()

	m.flushEvents()

	if start {
		m.startExecution(p.TaskID)
	}
}

// startExecution moves an assigned task to IN_PROGRESS and runs its handler
// under a cancellable, timeout-bounded context.
func (m *Manager) startExecution(taskID string) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != core.TaskAssigned || t.AssignedTo != m.serviceID || t.Blocked {
		m.mu.Unlock()
		return
	}
	handler, ok := m.handlers[t.TaskType]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("no handler registered for assigned task", "task_id", taskID, "task_type", t.TaskType)
		return
	}
	if _, exists := m.running[taskID]; exists {
		m.mu.Unlock()
		return
	}
	base := m.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	m.running[taskID] = cancel

	t.Status = core.TaskInProgress
	t.UpdatedAt = time.Now().UTC()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	m.execTimers[taskID] = time.AfterFunc(timeout, func() { m.timeoutTask(taskID, timeout) })

	snapshot := t.Clone()
	m.mu.Unlock()

	m.emit(Event{Type: EventUpdated, Task: snapshot})

	status := core.TaskInProgress
	p := core.TaskUpdatePayload{TaskID: taskID, Status: status}
	if err := m.publish(ctx, core.NewMessage(core.TypeTaskUpdate, p, core.WithSource(m.serviceID))); err != nil {
		m.logger.Warn("in-progress announcement failed", "task_id", taskID, "error", err)
	}

	go func() {
		result, err := handler(ctx, snapshot)
		if err != nil {
			cause := core.NewErrorPayload(core.CodeHandlerFailed, err.Error(), m.serviceID, true)
			m.failAttempt(taskID, cause, snapshot.RetryCount)
			return
		}
		if _, err := m.Complete(context.Background(), taskID, result); err != nil {
			m.logger.Warn("task complete announcement failed", "task_id", taskID, "error", err)
		}
	}()
}

// failAttempt reports a failed handler execution for one specific attempt.
// A report arriving after the attempt was already settled elsewhere (timeout,
// cancellation, retry re-announcement) is stale and dropped.
func (m *Manager) failAttempt(taskID string, cause core.ErrorPayload, attempt int) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status.Terminal() || attempt < t.RetryCount {
		m.mu.Unlock()
		return
	}
	willRetry := cause.Retryable && attempt < t.MaxRetries
	m.mu.Unlock()

	p := core.TaskFailPayload{TaskID: taskID, Error: cause, RetryCount: attempt, Retryable: willRetry}
	if err := m.publish(context.Background(), core.NewMessage(core.TypeTaskFail, p, core.WithSource(m.serviceID))); err != nil {
		m.logger.Warn("task fail announcement failed", "task_id", taskID, "error", err)
	}
	m.applyFail(taskID, cause, attempt)
}

// timeoutTask fails an overrunning execution with TASK_TIMEOUT (retryable).
func (m *Manager) timeoutTask(taskID string, timeout time.Duration) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status != core.TaskInProgress {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Warn("task execution timed out", "task_id", taskID, "timeout", timeout)
	cause := core.NewErrorPayload(core.CodeTaskTimeout, "task execution exceeded "+timeout.String(), m.serviceID, true)
	if _, err := m.Fail(context.Background(), taskID, cause); err != nil {
		m.logger.Warn("task timeout announcement failed", "task_id", taskID, "error", err)
	}
}

// applyUpdate folds a remote progress/status report into the local replica.
func (m *Manager) applyUpdate(source string, p core.TaskUpdatePayload) {
	m.mu.Lock()
	t, ok := m.tasks[p.TaskID]
	if !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	if source == m.serviceID {
		// Own announcement echoed back; state is already applied.
		m.mu.Unlock()
		return
	}
	if p.Status.Valid() && !p.Status.Terminal() {
		t.Status = p.Status
	}
	if p.Progress != nil {
		t.Progress = min(max(*p.Progress, 0), 100)
	}
	t.UpdatedAt = time.Now().UTC()
	m.emitLockedLater(Event{Type: EventUpdated, Task: t.Clone()})
	m.mu.Unlock()

	m.flushEvents()
}

// applyComplete settles a task as COMPLETED, resolves any waiting Request
// and unblocks dependents. Duplicate completions are ignored.
func (m *Manager) applyComplete(taskID string, result any) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.stopTaskTimersLocked(taskID)
	from := t.Status
	createdAt := t.CreatedAt
	t.Status = core.TaskCompleted
	t.Result = result
	t.Progress = 100
	t.UpdatedAt = time.Now().UTC()
	waiter := m.takeWaiterLocked(taskID)
	m.emitLockedLater(Event{Type: EventCompleted, Task: t.Clone()})
	claims, starts := m.unblockDependentsLocked(taskID)
	m.mu.Unlock()

	m.logTransition(taskID, from, core.TaskCompleted, createdAt)
	m.flushEvents()

	if waiter != nil {
		waiter <- taskResult{value: result}
	}
	for _, claim := range claims {
		if err := m.publish(context.Background(), core.NewMessage(core.TypeTaskAssign, claim, core.WithSource(m.serviceID))); err != nil {
			m.logger.Warn("task claim failed", "task_id", claim.TaskID, "error", err)
		}
	}
	for _, id := range starts {
		m.startExecution(id)
	}
}

// applyFail settles a failed attempt: either the task becomes claimable
// again for a retry (scheduled with backoff by the delegating manager) or it
// lands in terminal FAILED. Stale duplicates are ignored via the attempt
// counter.
func (m *Manager) applyFail(taskID string, cause core.ErrorPayload, attempt int) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status.Terminal() || attempt < t.RetryCount {
		m.mu.Unlock()
		return
	}
	m.stopTaskTimersLocked(taskID)
	from := t.Status
	createdAt := t.CreatedAt

	willRetry := cause.Retryable && t.Retryable && attempt < t.MaxRetries
	if willRetry {
		t.RetryCount = attempt + 1
		t.Status = core.TaskPending
		t.AssignedTo = ""
		failure := cause
		t.Error = &failure
		t.UpdatedAt = time.Now().UTC()
		m.emitLockedLater(Event{Type: EventUpdated, Task: t.Clone()})

		if m.origins[taskID] == m.serviceID {
			if _, pending := m.retryTimers[taskID]; !pending {
				delay := util.Backoff(m.initialRetryDelay, m.backoffFactor, m.maxRetryDelay, attempt)
				m.retryTimers[taskID] = time.AfterFunc(delay, func() { m.republish(taskID) })
				m.logger.Info("task retry scheduled", "task_id", taskID, "attempt", attempt+1, "delay", delay)
			}
		}
		m.mu.Unlock()
		m.logTransition(taskID, from, core.TaskPending, createdAt)
		m.flushEvents()
		return
	}

	t.Status = core.TaskFailed
	terminal := cause
	if cause.Retryable && attempt >= t.MaxRetries {
		terminal = core.NewErrorPayload(core.CodeRetriesExceeded, "retries exhausted: "+cause.Message, cause.Source, false)
	}
	terminal.Retryable = false
	t.Error = &terminal
	t.Retryable = false
	t.UpdatedAt = time.Now().UTC()
	waiter := m.takeWaiterLocked(taskID)
	m.emitLockedLater(Event{Type: EventFailed, Task: t.Clone()})
	m.mu.Unlock()

	m.logTransition(taskID, from, core.TaskFailed, createdAt)
	m.flushEvents()

	if waiter != nil {
		waiter <- taskResult{err: &core.RemoteError{Payload: terminal}}
	}
}

// applyCancel settles a cancellation: running local handlers are cancelled
// cooperatively, the task is marked CANCELLED if not already terminal.
func (m *Manager) applyCancel(taskID, reason string) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	if cancel, running := m.running[taskID]; running {
		cancel()
	}
	m.stopTaskTimersLocked(taskID)
	from := t.Status
	createdAt := t.CreatedAt
	t.Status = core.TaskCancelled
	cancelErr := core.NewErrorPayload(core.CodeTaskCancelled, reasonOr(reason, "task cancelled"), m.serviceID, false)
	t.Error = &cancelErr
	t.UpdatedAt = time.Now().UTC()
	waiter := m.takeWaiterLocked(taskID)
	m.emitLockedLater(Event{Type: EventCancelled, Task: t.Clone()})
	m.mu.Unlock()

	m.logTransition(taskID, from, core.TaskCancelled, createdAt)
	m.flushEvents()

	if waiter != nil {
		waiter <- taskResult{err: &core.RemoteError{Payload: cancelErr}}
	}
}

// republish re-announces a task for its next retry attempt.
func (m *Manager) republish(taskID string) {
	m.mu.Lock()
	delete(m.retryTimers, taskID)
	t, ok := m.tasks[taskID]
	if !ok || t.Status != core.TaskPending {
		m.mu.Unlock()
		return
	}
	snapshot := t.Clone()
	m.mu.Unlock()

	if err := m.publishCreate(context.Background(), core.TypeTaskCreate, snapshot, "", nil); err != nil {
		m.logger.Warn("task retry announcement failed", "task_id", taskID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Internals

// publishCreate serializes a TaskInfo snapshot into a create/request
// announcement.
func (m *Manager) publishCreate(ctx context.Context, msgType core.MessageType, t *core.TaskInfo, assignTo string, required []string) error {
	p := core.TaskCreatePayload{
		TaskID:               t.TaskID,
		TaskType:             t.TaskType,
		Parameters:           t.Parameters,
		Priority:             t.Priority,
		TimeoutMs:            t.Timeout.Milliseconds(),
		AssignTo:             assignTo,
		Dependencies:         t.Dependencies,
		RequiredCapabilities: required,
		MaxRetries:           t.MaxRetries,
		RetryCount:           t.RetryCount,
	}
	return m.publish(ctx, core.NewMessage(msgType, p, core.WithSource(m.serviceID), core.WithPriority(t.Priority)))
}

func (m *Manager) publish(ctx context.Context, msg core.Message) error {
	data, err := core.Encode(msg)
	if err != nil {
		return err
	}
	if err := m.tp.Publish(ctx, m.subject, data); err != nil {
		return &core.TransportError{Op: "publish", Subject: m.subject, Err: err}
	}
	return nil
}

// hasUnmetDependenciesLocked reports whether any dependency has not been
// observed COMPLETED yet; caller holds the lock.
func (m *Manager) hasUnmetDependenciesLocked(deps []string) bool {
	for _, dep := range deps {
		d, ok := m.tasks[dep]
		if !ok || d.Status != core.TaskCompleted {
			return true
		}
	}
	return false
}

// unblockDependentsLocked re-evaluates blocked tasks after a completion.
// It returns claims to publish for newly claimable tasks, plus task ids that
// were already assigned to this process and can start now; caller holds the
// lock.
func (m *Manager) unblockDependentsLocked(completedID string) (claims []core.TaskAssignPayload, starts []string) {
	for _, t := range m.tasks {
		if !t.Blocked || !slices.Contains(t.Dependencies, completedID) {
			continue
		}
		if m.hasUnmetDependenciesLocked(t.Dependencies) {
			continue
		}
		t.Blocked = false
		t.UpdatedAt = time.Now().UTC()
		m.emitLockedLater(Event{Type: EventUpdated, Task: t.Clone()})

		if m.canClaimLocked(t, "", false, nil) {
			claims = append(claims, core.TaskAssignPayload{TaskID: t.TaskID, AssignedTo: m.serviceID})
		} else if t.AssignedTo == m.serviceID && t.Status == core.TaskAssigned {
			starts = append(starts, t.TaskID)
		}
	}
	return claims, starts
}

// findCycleLocked walks the known dependency graph from the given
// dependencies and returns a cycle if one is reachable; caller holds the
// lock.
func (m *Manager) findCycleLocked(deps []string) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case gray:
			// Found the back edge; cut the stack down to the loop.
			idx := slices.Index(stack, id)
			cycle = append(slices.Clone(stack[idx:]), id)
			return true
		case black:
			return false
		}
		color[id] = gray
		stack = append(stack, id)
		if t, ok := m.tasks[id]; ok {
			for _, dep := range t.Dependencies {
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, dep := range deps {
		if visit(dep) {
			return cycle
		}
	}
	return nil
}

// stopTaskTimersLocked clears execution and retry timers plus the running
// handler bookkeeping for a settling task; caller holds the lock.
func (m *Manager) stopTaskTimersLocked(taskID string) {
	if timer, ok := m.execTimers[taskID]; ok {
		timer.Stop()
		delete(m.execTimers, taskID)
	}
	if timer, ok := m.retryTimers[taskID]; ok {
		timer.Stop()
		delete(m.retryTimers, taskID)
	}
	if cancel, ok := m.running[taskID]; ok {
		cancel()
		delete(m.running, taskID)
	}
}

// takeWaiterLocked removes and returns the completion handle for a task so
// it resolves exactly once; caller holds the lock.
func (m *Manager) takeWaiterLocked(taskID string) chan taskResult {
	waiter, ok := m.waiters[taskID]
	if !ok {
		return nil
	}
	delete(m.waiters, taskID)
	return waiter
}

func (m *Manager) dropWaiter(taskID string) {
	m.mu.Lock()
	delete(m.waiters, taskID)
	m.mu.Unlock()
}

// emit notifies listeners immediately; must not be called under the lock.
func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// emitLockedLater queues an event while holding the lock; flushEvents
// delivers it once the lock is released.
func (m *Manager) emitLockedLater(ev Event) {
	m.pending = append(m.pending, ev)
}

// flushEvents delivers queued events outside the lock.
func (m *Manager) flushEvents() {
	m.mu.Lock()
	events := m.pending
	m.pending = nil
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
