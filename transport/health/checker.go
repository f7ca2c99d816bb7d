package health

import (
	"context"
	"database/sql"
)

// Pinger 实现了 Ping 方法的依赖.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 函数适配器，例如包装 redis 客户端:
//
//	health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
type PingFunc func(ctx context.Context) error

// Ping 调用 f.
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// SQLPinger 将 *sql.DB 适配为 Pinger.
func SQLPinger(db *sql.DB) Pinger {
	return PingFunc(db.PingContext)
}

// PingChecker 通用 Ping 检查器.
type PingChecker struct {
	name   string
	kind   string
	pinger Pinger
}

// NewPingChecker 创建 Ping 检查器，kind 写入 details.type（redis、database、mongodb 等）.
func NewPingChecker(name, kind string, pinger Pinger) *PingChecker {
	return &PingChecker{name: name, kind: kind, pinger: pinger}
}

// Name 返回检查器名称.
func (c *PingChecker) Name() string {
	return c.name
}

// Check 执行 Ping 检查.
func (c *PingChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Status: StatusUp, Details: map[string]any{"type": c.kind}}
	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusDown
		result.Message = err.Error()
	}
	return result
}

// Connector 报告连接状态的组件，例如 messaging.Client.
type Connector interface {
	Connected() bool
}

// ConnectionChecker 连接状态检查器.
type ConnectionChecker struct {
	name string
	conn Connector
}

// NewConnectionChecker 创建连接状态检查器.
func NewConnectionChecker(name string, conn Connector) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

// Name 返回检查器名称.
func (c *ConnectionChecker) Name() string {
	return c.name
}

// Check 未连接时返回 DOWN.
func (c *ConnectionChecker) Check(context.Context) CheckResult {
	if !c.conn.Connected() {
		return CheckResult{Status: StatusDown, Message: "not connected"}
	}
	return CheckResult{Status: StatusUp}
}
