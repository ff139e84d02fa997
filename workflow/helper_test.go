package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testBusinessType = "case_filing"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// :memory: 每个连接是一个独立的库
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(AllModels()...))
	return db
}

type recordingSynchronizer struct {
	mu          sync.Mutex
	transitions []*Transition
	err         error
}

func (r *recordingSynchronizer) OnInstanceTransition(ctx context.Context, transition *Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *transition
	r.transitions = append(r.transitions, &copied)
	return r.err
}

func (r *recordingSynchronizer) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingSynchronizer) all() []*Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Transition(nil), r.transitions...)
}

func (r *recordingSynchronizer) statuses() []InstanceStatus {
	ret := make([]InstanceStatus, 0)
	for _, transition := range r.all() {
		ret = append(ret, transition.Status)
	}
	return ret
}

type testEnv struct {
	db          *gorm.DB
	repo        WorkflowRepo
	definitions DefinitionStore
	directory   StaticDirectory
	registry    *SynchronizerRegistry
	recorder    *recordingSynchronizer
	service     WorkflowService
}

func newTestEnv(t *testing.T, opts ...SynchronizerOption) *testEnv {
	t.Helper()
	db := newTestDB(t)
	env := &testEnv{
		db:          db,
		repo:        NewWorkflowRepo(db),
		definitions: NewGormDefinitionStore(db),
		directory:   StaticDirectory{},
		registry:    NewSynchronizerRegistry(),
		recorder:    &recordingSynchronizer{},
	}
	require.NoError(t, env.registry.Register(testBusinessType, env.recorder, opts...))
	env.service = NewWorkflowService(env.repo, NewLocalWorkflowLock(), env.definitions, env.directory, env.registry)
	return env
}

// saveDefinition 按传入顺序编号
func (e *testEnv) saveDefinition(t *testing.T, code string, nodes ...*NodeTemplate) *WorkflowDefinition {
	t.Helper()
	for i, node := range nodes {
		node.Position = i
	}
	def, err := e.definitions.SaveDefinition(context.Background(), &WorkflowDefinition{
		Name:       code,
		Code:       code,
		Classifier: code,
		Enabled:    true,
		Nodes:      nodes,
	})
	require.NoError(t, err)
	return def
}

func (e *testEnv) start(t *testing.T, def *WorkflowDefinition, businessID int64, assignees ...int64) *StartWorkflowResp {
	t.Helper()
	resp, err := e.service.StartWorkflow(context.Background(), &StartWorkflowReq{
		BusinessType: testBusinessType,
		BusinessID:   businessID,
		Title:        "test case",
		DefinitionID: def.ID,
		InitiatorID:  1,
		Assignees:    assignees,
	})
	require.NoError(t, err)
	return resp
}

func (e *testEnv) act(instanceID, actorID int64, decision Decision) (*ActOnNodeResp, error) {
	return e.service.ActOnCurrentNode(context.Background(), &ActOnNodeReq{
		InstanceID: instanceID,
		ActorID:    actorID,
		Decision:   decision,
	})
}

// requireLedgerConsistent 每一步之后检查流水和实例是否一致
func (e *testEnv) requireLedgerConsistent(t *testing.T, instanceID int64) {
	t.Helper()
	ctx := context.Background()
	pos, err := e.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{WorkflowInstanceID: &instanceID, Page: &Pager{Page: 1, Size: 1}})
	require.NoError(t, err)
	require.Len(t, pos, 1)
	instance, err := fromWorkflowInstancePo(pos[0])
	require.NoError(t, err)
	history, err := NewLedger(e.repo).History(ctx, instanceID)
	require.NoError(t, err)
	require.NoError(t, checkLedgerInvariants(instance, history))
}

func manualNode(name string, assignees ...int64) *NodeTemplate {
	return &NodeTemplate{
		Name:         name,
		Mode:         NodeModeManual,
		AssigneeRule: AssigneeRuleFixedList,
		AssigneeIDs:  assignees,
		Required:     true,
	}
}

func autoNode(name string) *NodeTemplate {
	return &NodeTemplate{Name: name, Mode: NodeModeAuto, AssigneeRule: AssigneeRuleNone}
}
