package repo

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/domain"
)

const minimalGraph = `{"nodes":[{"id":"t","type":"trigger","config":{}}],"edges":[]}`

func TestCreateWorkflow_SingleDefault(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	first := &domain.Workflow{Name: "one", Definition: minimalGraph, IsDefault: true, Enabled: true}
	if err := CreateWorkflow(ctx, db, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := &domain.Workflow{Name: "two", Definition: minimalGraph, IsDefault: true, Enabled: true}
	if err := CreateWorkflow(ctx, db, second); err != nil {
		t.Fatalf("create second: %v", err)
	}

	def, err := GetDefaultWorkflow(ctx, db)
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if def.ID != second.ID {
		t.Fatalf("default = %d, want %d", def.ID, second.ID)
	}

	var defaults int64
	db.Model(&domain.Workflow{}).Where("is_default = ?", true).Count(&defaults)
	if defaults != 1 {
		t.Fatalf("defaults = %d", defaults)
	}
}

func TestUpdateWorkflow_PromoteDemotesOthers(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	a := &domain.Workflow{Name: "a", Definition: minimalGraph, IsDefault: true, Enabled: true}
	b := &domain.Workflow{Name: "b", Definition: minimalGraph, Enabled: true}
	if err := CreateWorkflow(ctx, db, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := CreateWorkflow(ctx, db, b); err != nil {
		t.Fatalf("create b: %v", err)
	}

	b.IsDefault = true
	if err := UpdateWorkflow(ctx, db, b); err != nil {
		t.Fatalf("update b: %v", err)
	}

	gotA, _ := GetWorkflow(ctx, db, a.ID)
	gotB, _ := GetWorkflow(ctx, db, b.ID)
	if gotA.IsDefault || !gotB.IsDefault {
		t.Fatalf("a.default=%v b.default=%v", gotA.IsDefault, gotB.IsDefault)
	}
}

func TestGetDefaultWorkflow_IgnoresDisabled(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	w := &domain.Workflow{Name: "w", Definition: minimalGraph, IsDefault: true, Enabled: true}
	if err := CreateWorkflow(ctx, db, w); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Model(w).Update("enabled", false).Error; err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := GetDefaultWorkflow(ctx, db); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeleteWorkflow(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	w := &domain.Workflow{Name: "w", Definition: minimalGraph, Enabled: true}
	if err := CreateWorkflow(ctx, db, w); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := DeleteWorkflow(ctx, db, w.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := GetWorkflow(ctx, db, w.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestCreateExecution_OnePerOrder(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	first := &domain.WorkflowExecution{
		OrderID: "order-1", AccountID: "acct-1", RuleID: 1,
		Status: domain.ExecRunning,
	}
	if err := CreateExecution(ctx, db, first); err != nil {
		t.Fatalf("create first: %v", err)
	}

	dup := &domain.WorkflowExecution{
		OrderID: "order-1", AccountID: "acct-1", RuleID: 1,
		Status: domain.ExecRunning,
	}
	if err := CreateExecution(ctx, db, dup); !errors.Is(err, ErrExecutionExists) {
		t.Fatalf("err = %v, want ErrExecutionExists", err)
	}

	// A terminal execution does not block a new one.
	done := domain.ExecCompleted
	if err := UpdateExecution(ctx, db, first.ID, ExecutionUpdate{Status: &done}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	again := &domain.WorkflowExecution{
		OrderID: "order-1", AccountID: "acct-1", RuleID: 1,
		Status: domain.ExecRunning,
	}
	if err := CreateExecution(ctx, db, again); err != nil {
		t.Fatalf("create after completion: %v", err)
	}
}

func TestCreateExecution_ConcurrentSingleWinner(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	const callers = 8
	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = CreateExecution(ctx, db, &domain.WorkflowExecution{
				OrderID: "order-1", AccountID: "acct-1", RuleID: 1,
				Status: domain.ExecRunning,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	winners, losers := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrExecutionExists):
			losers++
		default:
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if winners != 1 || losers != callers-1 {
		t.Fatalf("winners = %d, losers = %d", winners, losers)
	}
	var count int64
	db.Model(&domain.WorkflowExecution{}).Where("order_id = ?", "order-1").Count(&count)
	if count != 1 {
		t.Fatalf("execution rows = %d", count)
	}
}

func TestGetActiveExecutionByOrder(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	if _, err := GetActiveExecutionByOrder(ctx, db, "order-1"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("err = %v", err)
	}

	e := &domain.WorkflowExecution{
		OrderID: "order-1", AccountID: "acct-1", RuleID: 1,
		Status: domain.ExecWaiting,
	}
	if err := CreateExecution(ctx, db, e); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := GetActiveExecutionByOrder(ctx, db, "order-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != e.ID {
		t.Fatalf("got %d, want %d", got.ID, e.ID)
	}
}

func TestListWaitingExecutions(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	waitingOn := true
	seed := func(orderID, accountID, status string, waiting bool) *domain.WorkflowExecution {
		e := &domain.WorkflowExecution{OrderID: orderID, AccountID: accountID, RuleID: 1, Status: status}
		if err := CreateExecution(ctx, db, e); err != nil {
			t.Fatalf("seed %s: %v", orderID, err)
		}
		if waiting {
			if err := UpdateExecution(ctx, db, e.ID, ExecutionUpdate{WaitingForReply: &waitingOn}); err != nil {
				t.Fatalf("mark waiting %s: %v", orderID, err)
			}
		}
		return e
	}

	w1 := seed("o1", "acct-1", domain.ExecWaiting, true)
	seed("o2", "acct-1", domain.ExecRunning, false)
	seed("o3", "acct-2", domain.ExecWaiting, true)
	w2 := seed("o4", "acct-1", domain.ExecWaiting, true)

	got, err := ListWaitingExecutions(ctx, db, "acct-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != w1.ID || got[1].ID != w2.ID {
		t.Fatalf("got %+v", got)
	}
}

func TestUpdateExecution_PartialUpdate(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	e := &domain.WorkflowExecution{
		OrderID: "o1", AccountID: "a", RuleID: 1,
		Status: domain.ExecRunning, CurrentNodeID: "n1",
	}
	if err := CreateExecution(ctx, db, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	node := "n2"
	if err := UpdateExecution(ctx, db, e.ID, ExecutionUpdate{CurrentNodeID: &node}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := GetExecution(ctx, db, e.ID)
	if got.CurrentNodeID != "n2" || got.Status != domain.ExecRunning {
		t.Fatalf("got %+v", got)
	}

	// Clearing keywords with the empty string is a real write.
	kw := `["确认"]`
	waiting := domain.ExecWaiting
	on := true
	if err := UpdateExecution(ctx, db, e.ID, ExecutionUpdate{
		Status: &waiting, WaitingForReply: &on, ExpectedKeywords: &kw,
	}); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	cleared := ""
	if err := UpdateExecution(ctx, db, e.ID, ExecutionUpdate{ExpectedKeywords: &cleared}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = GetExecution(ctx, db, e.ID)
	if got.ExpectedKeywords != "" || got.Status != domain.ExecWaiting {
		t.Fatalf("got %+v", got)
	}

	if err := UpdateExecution(ctx, db, e.ID, ExecutionUpdate{}); err != nil {
		t.Fatalf("empty update: %v", err)
	}
}
