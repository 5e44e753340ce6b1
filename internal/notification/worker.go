package notification

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"mot-status-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool manages a pool of workers sending MOT reminder notifications.
type WorkerPool struct {
	size    int
	jobs    chan string
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan string, size),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Notification worker %d started", id)
	for {
		select {
		case registration := <-wp.jobs:
			wp.sendRemindersForVehicle(ctx, registration)
		case <-ctx.Done():
			log.Printf("Notification worker %d shutting down", id)
			return
		}
	}
}

// Dispatch sends a job to the worker pool.
func (wp *WorkerPool) Dispatch(registration string) {
	wp.jobs <- registration
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan string {
	return wp.jobs
}

// sendRemindersForVehicle fetches subscriptions and sends reminders for a
// vehicle whose MOT has just become due or expired.
func (wp *WorkerPool) sendRemindersForVehicle(ctx context.Context, registration string) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_vehicle_mapping svm ON svm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("svm.vehicle_registration = ?", registration).
		Find(&subscriptions).Error
	if err != nil {
		log.Printf("Error fetching subscriptions for %s: %v", registration, err)
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	message := wp.reminderMessage(ctx, registration)
	log.Printf("Sending %d MOT reminders for %s", len(subscriptions), registration)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, []byte(message))
	}
}

// reminderMessage composes the push payload from the stored snapshot.
func (wp *WorkerPool) reminderMessage(ctx context.Context, registration string) string {
	var status model.MOTStatus
	err := wp.db.WithContext(ctx).First(&status, "registration = ?", registration).Error
	if err != nil {
		log.Printf("Error fetching status for %s: %v", registration, err)
		return fmt.Sprintf("MOT check due for %s", registration)
	}

	switch {
	case status.Status == "expired" && status.DueDate != nil:
		return fmt.Sprintf("MOT for %s expired on %s", registration, status.DueDate.Format("2006-01-02"))
	case status.Status == "expired":
		return fmt.Sprintf("MOT for %s has expired", registration)
	case status.DueDate != nil:
		return fmt.Sprintf("MOT for %s expires on %s", registration, status.DueDate.Format("2006-01-02"))
	default:
		return fmt.Sprintf("MOT check due for %s", registration)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == 410 {
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
