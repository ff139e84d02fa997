// Package tests 审批引擎的场景测试，只通过公开 API 使用 workflow 包。
//
// 这里的测试把定义文件加载、组织目录、业务状态回写、事件发布串起来跑完整流程，
// 单个组件的测试放在各自的包里面。
//
// 运行：
//
//	go test ./internal/tests/...
//
// 带覆盖率：
//
//	go test -coverprofile=coverage.out -coverpkg=github.com/blingmoon/approval-workflow/workflow ./internal/tests/...
package tests
