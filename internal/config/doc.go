// Package config 加载并校验守护进程的 YAML 配置：服务监听、模型调用、
// 后端智能体地址、状态存储与事件发布驱动，以及日志行为。
package config
