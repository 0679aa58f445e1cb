// Package api 暴露任务管理的 REST 接口：
// 提交 / 查询 / 取消任务、运行状态与 Prometheus 指标。
package api
