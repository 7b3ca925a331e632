package audit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/renacare/renaudit/internal/domain/renal"
	"github.com/renacare/renaudit/internal/rules"
	"github.com/renacare/renaudit/pkg/workerpool"
)

// parallelThreshold is the order size above which lines are evaluated
// through the worker pool. Each line is independent once the shared
// metrics are computed, so only the output ordering must be preserved.
const parallelThreshold = 8

// Auditor orchestrates one audit run per order: renal metrics are
// computed once per patient and every prescription line is evaluated
// against them. Line evaluation for large orders goes through a shared
// bounded pool so concurrent orders cannot flood the rule source.
type Auditor struct {
	evaluator *Evaluator
	pool      *workerpool.Pool
	logger    *zap.Logger
}

// lineTask carries everything one worker needs to evaluate a line and
// deliver its outcome into the right slot of the order's outcome slice.
type lineTask struct {
	line    PrescriptionLine
	patient Patient
	out     []Outcome
	idx     int
}

// NewAuditor creates an auditor backed by a rule source
func NewAuditor(source rules.Source, logger *zap.Logger) (*Auditor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Auditor{
		evaluator: NewEvaluator(source, logger),
		logger:    logger,
	}

	pool, err := workerpool.New(workerpool.DefaultConfig(), a.evaluateTask, logger)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	pool.Start()

	return a, nil
}

// Close stops the evaluation pool
func (a *Auditor) Close() error {
	return a.pool.Stop()
}

// PoolStats exposes evaluation pool statistics for health reporting
func (a *Auditor) PoolStats() workerpool.Stats {
	return a.pool.Stats()
}

// Healthy reports whether the evaluation pool is keeping up
func (a *Auditor) Healthy() bool {
	return a.pool.IsHealthy()
}

func (a *Auditor) evaluateTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	lt := task.Payload.(*lineTask)
	lt.out[lt.idx] = a.evaluator.Evaluate(ctx, lt.line, lt.patient)
	return &workerpool.Result{TaskID: task.ID, Success: true}
}

// Result bundles the outcome of one audit run
type Result struct {
	Metrics  renal.RenalMetrics
	Outcomes []Outcome
	Summary  OrderSummary
}

// AuditOrder audits every line of an order against the patient's renal
// function. Outcomes preserve the input line order. A patient-level
// input error aborts the whole order; line-level issues never abort
// sibling lines, they are visible in individual rationales.
func (a *Auditor) AuditOrder(ctx context.Context, biometrics renal.PatientBiometrics, lines []PrescriptionLine, asOf time.Time) (*Result, error) {
	metrics, err := renal.ComputeAll(biometrics, asOf)
	if err != nil {
		return nil, err
	}

	patient := Patient{
		Metrics:    metrics,
		WeightKg:   biometrics.WeightKg,
		OnDialysis: biometrics.OnDialysis,
	}
	if !biometrics.OnDialysis && biometrics.SerumCreatinineMgDl > 0 {
		patient.SCrMgDl = renal.Measurement{Value: biometrics.SerumCreatinineMgDl, Valid: true}
	}

	outcomes := make([]Outcome, len(lines))
	if len(lines) >= parallelThreshold {
		a.auditParallel(ctx, lines, patient, outcomes)
	} else {
		for i := range lines {
			outcomes[i] = a.evaluator.Evaluate(ctx, lines[i], patient)
		}
	}

	summary := Summary(outcomes)
	a.logger.Debug("order audited",
		zap.Int("lines", len(lines)),
		zap.String("summary", string(summary)))

	return &Result{
		Metrics:  metrics,
		Outcomes: outcomes,
		Summary:  summary,
	}, nil
}

// auditParallel fans lines out to the shared pool. A line the pool
// cannot accept (queue full, pool stopping) is evaluated inline so the
// order always completes.
func (a *Auditor) auditParallel(ctx context.Context, lines []PrescriptionLine, patient Patient, outcomes []Outcome) {
	var wg sync.WaitGroup
	for i := range lines {
		task := &workerpool.Task{
			ID:      strconv.Itoa(i),
			Context: ctx,
			Payload: &lineTask{line: lines[i], patient: patient, out: outcomes, idx: i},
			Done:    func(*workerpool.Result) { wg.Done() },
		}
		wg.Add(1)
		if err := a.pool.Submit(task); err != nil {
			wg.Done()
			outcomes[i] = a.evaluator.Evaluate(ctx, lines[i], patient)
		}
	}
	wg.Wait()
}
