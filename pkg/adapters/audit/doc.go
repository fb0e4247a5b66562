// Package audit provides the audit observer and resource monitor used by the scheduler.
//
// Logger writes audit records as structured zap entries and keeps the most
// recent ones in memory. Monitor grades resource usage samples against the
// declared job limits and reports violations.
package audit
