package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycrm/models"
	"relaycrm/utils"
)

func TestProcessQueue_SendsAndSchedulesNext(t *testing.T) {
	q, mailer, db := newTestQueue(t)
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return t0 }

	contact := createContact(t, db, "ada@example.com", "Ada")
	sequence := createSequence(t, db, []int{0, 3, 7, 14}, 4)

	_, err := q.Enroll(context.Background(), []uint{contact.ID}, sequence.ID, true)
	require.NoError(t, err)

	result, err := q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Empty(t, result.Errors)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "ada@example.com", mailer.sent[0].To)
	assert.Equal(t, "Step 1 for Ada", mailer.sent[0].Subject)
	assert.Contains(t, mailer.sent[0].HTML, "Hi Ada")
	assert.Contains(t, mailer.sent[0].HTML, "https://app.test/unsubscribe/")
	assert.NotEmpty(t, mailer.sent[0].Text)

	var emailLog models.EmailLog
	require.NoError(t, db.Where("contact_id = ?", contact.ID).First(&emailLog).Error)
	assert.Equal(t, models.EmailSent, emailLog.Status)
	assert.Equal(t, "msg-1", emailLog.ProviderEmailID)
	require.NotNil(t, emailLog.SentAt)

	var enrollment models.ContactSequence
	require.NoError(t, db.Where("contact_id = ?", contact.ID).First(&enrollment).Error)
	assert.Equal(t, 2, enrollment.CurrentStep)
	assert.Equal(t, models.EnrollmentActive, enrollment.Status)
	require.NotNil(t, enrollment.LastSentAt)

	// Step 2 waits Intervals[1] = 3 days and runs at drip priority.
	var next models.QueueTask
	require.NoError(t, db.Where("status = ?", models.TaskPending).First(&next).Error)
	assert.Equal(t, models.PriorityNormal, next.Priority)
	assert.Equal(t, t0.AddDate(0, 0, 3).Unix(), next.ScheduledAt.Unix())

	var template models.SequenceTemplate
	require.NoError(t, db.First(&template, next.TemplateID).Error)
	assert.Equal(t, 2, template.OrderIndex)
}

func TestProcessQueue_CompletesEnrollmentAfterLastStep(t *testing.T) {
	q, mailer, db := newTestQueue(t)
	contact := createContact(t, db, "ada@example.com", "Ada")
	sequence := createSequence(t, db, []int{0}, 1)

	_, err := q.Enroll(context.Background(), []uint{contact.ID}, sequence.ID, true)
	require.NoError(t, err)

	result, err := q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Len(t, mailer.sent, 1)

	var enrollment models.ContactSequence
	require.NoError(t, db.Where("contact_id = ?", contact.ID).First(&enrollment).Error)
	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.Equal(t, 1, enrollment.CurrentStep)

	var pending int64
	require.NoError(t, db.Model(&models.QueueTask{}).
		Where("status = ?", models.TaskPending).Count(&pending).Error)
	assert.EqualValues(t, 0, pending)
}

func TestProcessQueue_IgnoresFutureTasks(t *testing.T) {
	q, mailer, db := newTestQueue(t)
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return t0 }

	contact := createContact(t, db, "ada@example.com", "Ada")
	sequence := createSequence(t, db, []int{0, 3}, 2)
	var firstTemplate models.SequenceTemplate
	require.NoError(t, db.Where("sequence_id = ? AND order_index = 1", sequence.ID).First(&firstTemplate).Error)

	task := models.QueueTask{
		ContactID:   contact.ID,
		SequenceID:  sequence.ID,
		TemplateID:  firstTemplate.ID,
		ScheduledAt: t0.Add(time.Hour),
		Priority:    models.PriorityNormal,
		Status:      models.TaskPending,
	}
	require.NoError(t, db.Create(&task).Error)

	result, err := q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Empty(t, mailer.sent)
}

func TestProcessQueue_ClaimsByPriorityThenTime(t *testing.T) {
	q, mailer, db := newTestQueue(t)
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return t0 }

	sequence := createSequence(t, db, []int{0, 3}, 2)
	var firstTemplate models.SequenceTemplate
	require.NoError(t, db.Where("sequence_id = ? AND order_index = 1", sequence.ID).First(&firstTemplate).Error)

	drip := createContact(t, db, "drip@example.com", "Drip")
	fresh := createContact(t, db, "fresh@example.com", "Fresh")

	// The drip task is older, but the first-touch outranks it.
	require.NoError(t, db.Create(&models.QueueTask{
		ContactID: drip.ID, SequenceID: sequence.ID, TemplateID: firstTemplate.ID,
		ScheduledAt: t0.Add(-2 * time.Hour), Priority: models.PriorityNormal, Status: models.TaskPending,
	}).Error)
	require.NoError(t, db.Create(&models.QueueTask{
		ContactID: fresh.ID, SequenceID: sequence.ID, TemplateID: firstTemplate.ID,
		ScheduledAt: t0.Add(-time.Minute), Priority: models.PriorityHigh, Status: models.TaskPending,
	}).Error)

	result, err := q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	require.Len(t, mailer.sent, 2)
	assert.Equal(t, "fresh@example.com", mailer.sent[0].To)
	assert.Equal(t, "drip@example.com", mailer.sent[1].To)
}

func TestProcessQueue_FailureMarksTaskAndContinues(t *testing.T) {
	q, mailer, db := newTestQueue(t)
	mailer.fail = true

	contact := createContact(t, db, "ada@example.com", "Ada")
	sequence := createSequence(t, db, []int{0, 3}, 2)

	_, err := q.Enroll(context.Background(), []uint{contact.ID}, sequence.ID, true)
	require.NoError(t, err)

	result, err := q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "ada@example.com")

	var task models.QueueTask
	require.NoError(t, db.Where("contact_id = ?", contact.ID).First(&task).Error)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	// No ledger entry and no advancement for a failed send.
	var logs int64
	require.NoError(t, db.Model(&models.EmailLog{}).Count(&logs).Error)
	assert.EqualValues(t, 0, logs)

	var enrollment models.ContactSequence
	require.NoError(t, db.Where("contact_id = ?", contact.ID).First(&enrollment).Error)
	assert.Equal(t, 1, enrollment.CurrentStep)
}

func TestProcessQueue_LeavesPausedEnrollmentsPending(t *testing.T) {
	q, mailer, db := newTestQueue(t)
	contact := createContact(t, db, "ada@example.com", "Ada")
	sequence := createSequence(t, db, []int{0, 3}, 2)

	_, err := q.Enroll(context.Background(), []uint{contact.ID}, sequence.ID, true)
	require.NoError(t, err)

	var enrollment models.ContactSequence
	require.NoError(t, db.Where("contact_id = ?", contact.ID).First(&enrollment).Error)
	require.NoError(t, q.SetStatus(context.Background(), []uint{enrollment.ID}, models.EnrollmentPaused))

	result, err := q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Empty(t, mailer.sent)

	// The task survives the pause and fires after a resume.
	var task models.QueueTask
	require.NoError(t, db.Where("contact_id = ?", contact.ID).First(&task).Error)
	assert.Equal(t, models.TaskPending, task.Status)

	require.NoError(t, q.SetStatus(context.Background(), []uint{enrollment.ID}, models.EnrollmentActive))
	result, err = q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
}

func TestProcessQueue_UsesSenderProfile(t *testing.T) {
	q, mailer, db := newTestQueue(t)
	require.NoError(t, db.Create(&models.Sender{
		FromEmail:    "sales@example.com",
		FromName:     "Grace from Sales",
		ReplyToEmail: "replies@example.com",
		IsActive:     utils.Pointer(true),
	}).Error)

	contact := createContact(t, db, "ada@example.com", "Ada")
	sequence := createSequence(t, db, []int{0}, 1)

	_, err := q.Enroll(context.Background(), []uint{contact.ID}, sequence.ID, true)
	require.NoError(t, err)

	_, err = q.ProcessQueue(context.Background())
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "sales@example.com", mailer.sent[0].From)
	assert.Equal(t, "Grace from Sales", mailer.sent[0].FromName)
	assert.Equal(t, "replies@example.com", mailer.sent[0].ReplyTo)

	var emailLog models.EmailLog
	require.NoError(t, db.Where("contact_id = ?", contact.ID).First(&emailLog).Error)
	assert.Equal(t, "sales@example.com", emailLog.SenderEmail)
}

func TestRequeueFailed_BackoffAndCeiling(t *testing.T) {
	q, _, db := newTestQueue(t)
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return t0 }

	contact := createContact(t, db, "ada@example.com", "Ada")
	sequence := createSequence(t, db, []int{0}, 1)

	retryable := models.QueueTask{
		ContactID: contact.ID, SequenceID: sequence.ID, TemplateID: 1,
		ScheduledAt: t0.Add(-time.Hour), Status: models.TaskFailed, RetryCount: 1,
	}
	exhausted := models.QueueTask{
		ContactID: contact.ID, SequenceID: sequence.ID, TemplateID: 1,
		ScheduledAt: t0.Add(-time.Hour), Status: models.TaskFailed, RetryCount: 3,
	}
	require.NoError(t, db.Create(&retryable).Error)
	require.NoError(t, db.Create(&exhausted).Error)

	requeued, err := q.RequeueFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	require.NoError(t, db.First(&retryable, retryable.ID).Error)
	assert.Equal(t, models.TaskPending, retryable.Status)
	assert.Equal(t, models.PriorityLow, retryable.Priority)
	// One failure so far, so the wait doubles the base hour.
	assert.Equal(t, t0.Add(2*time.Hour).Unix(), retryable.ScheduledAt.Unix())

	require.NoError(t, db.First(&exhausted, exhausted.ID).Error)
	assert.Equal(t, models.TaskFailed, exhausted.Status)
}
