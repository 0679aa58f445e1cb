// Package config 负责加载并校验进程启动所需的 JSON 配置，
// 覆盖服务、存储、队列、大模型、智能体与认证等部分。
package config
