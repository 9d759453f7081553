// Package postmark delivers operation failure alerts over the Postmark
// transactional email API. Notifier implements the core/alert.Notifier seam;
// the queue failure hook calls it fire-and-forget after marking an operation
// failed.
package postmark
