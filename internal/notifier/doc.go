// Package notifier tells the broadcast owner that a job has finished.
//
// The summary is a single plain-text Telegram message sent with the job's own bot token.
// Delivery problems are logged and never change the job's outcome.
package notifier
