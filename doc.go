// Package workflow 提供知识产权代理业务的审批流程引擎。
//
// 案件立案、合同审核、开票申请、校稿等业务对象都可以挂一个线性的审批流程，
// 引擎负责按流程定义推进节点、记录每个节点的处理流水，并在流程状态变化时回写业务状态。
//
// 主要特性：
//   - 线性流程：节点按顺序执行，首尾可以是自动节点，中间是人工节点
//   - 处理人规则：固定人员、角色/部门（支持 $department 这样从业务上下文取值）、发起人指定
//   - 定义快照：发起时把节点复制到实例上，之后修改定义不影响进行中的流程
//   - 并发安全：同一业务只能有一个审批中的流程，同一实例同时只有一个操作生效，支持本地锁和 Redis 锁
//   - 状态回写：按业务类型注册 Synchronizer，回写失败不回滚流程，可以补偿重放
//   - 数据持久化：基于 GORM，支持 SQLite、PostgreSQL
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/approval-workflow/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{TranslateError: true})
//	    db.AutoMigrate(workflow.AllModels()...)
//
//	    // 2. 注册业务状态回写
//	    registry := workflow.NewSynchronizerRegistry()
//	    registry.Register("case_filing", workflow.NewGormStatusSynchronizer(db, "ip_case", "id", "filing_status",
//	        workflow.StatusMapping{
//	            workflow.InstanceStatusCompleted: "filed",
//	            workflow.InstanceStatusRejected:  "rejected",
//	        }))
//
//	    // 3. 创建服务
//	    definitions := workflow.NewGormDefinitionStore(db)
//	    workflowService := workflow.NewWorkflowService(workflow.NewWorkflowRepo(db), workflow.NewLocalWorkflowLock(),
//	        definitions, workflow.NewGormDirectory(db), registry)
//
//	    // 4. 保存流程定义
//	    def, _ := definitions.SaveDefinition(context.Background(), &workflow.WorkflowDefinition{
//	        Name: "立案审批", Code: "case_filing_default", Classifier: "case_filing", Enabled: true,
//	        Nodes: []*workflow.NodeTemplate{
//	            {Position: 0, Name: "受理", Mode: workflow.NodeModeAuto, AssigneeRule: workflow.AssigneeRuleNone},
//	            {Position: 1, Name: "初审", Mode: workflow.NodeModeManual, AssigneeRule: workflow.AssigneeRuleFixedList, AssigneeIDs: []int64{7}, Required: true},
//	            {Position: 2, Name: "部门审核", Mode: workflow.NodeModeManual, AssigneeRule: workflow.AssigneeRuleRole, RoleCode: "$department", Required: true},
//	        },
//	    })
//
//	    // 5. 发起和审批
//	    resp, _ := workflowService.StartWorkflow(context.Background(), &workflow.StartWorkflowReq{
//	        BusinessType: "case_filing", BusinessID: 1001, DefinitionID: def.ID, InitiatorID: 1,
//	        Context: map[string]any{"department": "trademark"},
//	    })
//	    workflowService.ActOnCurrentNode(context.Background(), &workflow.ActOnNodeReq{
//	        InstanceID: resp.InstanceID, ActorID: 7, Decision: workflow.DecisionApprove,
//	    })
//	}
//
// 状态说明：
//
// 流程实例只有一个非终态 pending，approve 走完所有节点后 completed，
// reject 后 rejected，撤销后 cancelled，终态之后不能再操作。
// 每个节点的处理流水状态为 pending、approved、rejected、skipped、cancelled，
// 同一个实例任何时候最多只有一条 pending 流水，且就是实例当前的节点。
//
// 业务状态回写：
//
// 回写在事务提交之后执行，失败的原因记录在实例的 sync_error 上，
// 可以用 ResyncBusinessStatus 或者 ResyncFailed 重放。
// 默认只在流程结束时回写，注册时加 WithProgressUpdates 可以在每次流转到新节点时也回写。
//
// 命令行工具见 cmd/approvalctl，流程定义可以写在 yaml 文件里面，参考 configs/definitions。
package workflow
