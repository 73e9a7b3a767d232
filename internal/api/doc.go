// Package api 提供对外的 HTTP 接口层：聊天补全端点（支持 SSE 流式与
// 非流式两种模式）、健康检查与指标暴露，并可选托管会话状态。
package api
