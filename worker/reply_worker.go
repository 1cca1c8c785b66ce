package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "relaycrm/controllers"
	"relaycrm/models"
)

// ReplyWorker polls the IMAP inbox of every active sender and feeds
// new messages through reply processing: engagement ledger update plus
// pausing the sequence the conversation came from. Messages are marked
// seen only after processing, so a crash mid-poll means a re-read, not
// a lost reply; reply dedup on Message-ID absorbs the re-read.
type ReplyWorker struct {
	DB       *gorm.DB
	Webhooks *controller.WebhookController
	Interval time.Duration
	Logger   *logrus.Entry
}

func NewReplyWorker(db *gorm.DB, webhooks *controller.WebhookController, interval time.Duration, logger *logrus.Entry) *ReplyWorker {
	return &ReplyWorker{
		DB:       db,
		Webhooks: webhooks,
		Interval: interval,
		Logger:   logger,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	time.Sleep(15 * time.Second)

	rw.Logger.Info("reply worker started")

	ticker := time.NewTicker(rw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Info("reply worker shutting down")
			return
		case <-ticker.C:
			rw.pollAllSenders(ctx)
		}
	}
}

func (rw *ReplyWorker) pollAllSenders(ctx context.Context) {
	var senders []models.Sender
	err := rw.DB.WithContext(ctx).
		Where("is_active = ? AND imap_host <> ''", true).
		Find(&senders).Error
	if err != nil {
		rw.Logger.WithError(err).Error("failed to fetch senders")
		return
	}

	for _, sender := range senders {
		if err := rw.pollSender(ctx, &sender); err != nil {
			rw.Logger.WithError(err).WithField("sender_id", sender.ID).
				Warn("reply poll failed")
		}
	}
}

func (rw *ReplyWorker) pollSender(ctx context.Context, sender *models.Sender) error {
	imapAddr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)

	var imapClient *client.Client
	var err error
	switch strings.ToUpper(sender.IMAPEncryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(imapAddr, &tls.Config{
			ServerName: sender.IMAPHost,
		})
	case "STARTTLS":
		imapClient, err = client.Dial(imapAddr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{
				ServerName: sender.IMAPHost,
			})
		}
	default:
		imapClient, err = client.Dial(imapAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(sender.IMAPUsername, sender.IMAPPassword); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := "INBOX"
	if sender.IMAPMailbox != "" {
		mailbox = sender.IMAPMailbox
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	processed := new(imap.SeqSet)
	for msg := range messages {
		if err := rw.processMessage(ctx, sender, msg); err != nil {
			rw.Logger.WithError(err).WithField("seq_num", msg.SeqNum).
				Warn("failed to process message")
			continue
		}
		processed.AddNum(msg.SeqNum)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}

	if !processed.Empty() {
		flags := []interface{}{imap.SeenFlag}
		if err := imapClient.Store(processed, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			return fmt.Errorf("failed to mark messages seen: %w", err)
		}
	}
	return nil
}

func (rw *ReplyWorker) processMessage(ctx context.Context, sender *models.Sender, msg *imap.Message) error {
	if msg.Envelope == nil {
		return fmt.Errorf("message has no envelope")
	}

	var bodyText, bodyHTML string
	if msg.Body != nil {
		section := imap.BodySectionName{}
		literal, ok := msg.Body[&section]
		if !ok {
			return fmt.Errorf("message body not found")
		}

		mr, err := mail.CreateReader(literal)
		if err != nil {
			return fmt.Errorf("failed to create message reader: %w", err)
		}

		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil {
				return fmt.Errorf("failed to read next part: %w", err)
			}

			switch h := p.Header.(type) {
			case *mail.InlineHeader:
				contentType, _, _ := h.ContentType()
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return fmt.Errorf("failed to read body: %w", err)
				}

				if strings.Contains(contentType, "text/html") {
					bodyHTML = string(b)
				} else if strings.Contains(contentType, "text/plain") {
					bodyText = string(b)
				}
			case *mail.AttachmentHeader:
				// Attachments are not stored for replies.
			}
		}
	}

	reply := controller.InboundReply{
		From:       firstAddress(msg.Envelope.From),
		To:         sender.FromEmail,
		Subject:    msg.Envelope.Subject,
		BodyText:   bodyText,
		BodyHTML:   bodyHTML,
		MessageID:  msg.Envelope.MessageId,
		ReceivedAt: msg.Envelope.Date,
	}
	if reply.From == "" {
		return fmt.Errorf("message has no from address")
	}

	err := rw.Webhooks.ProcessReply(ctx, reply)
	if err != nil && !errors.Is(err, controller.ErrNoMatchingEmail) {
		return err
	}
	return nil
}

func firstAddress(addresses []*imap.Address) string {
	for _, addr := range addresses {
		if addr.MailboxName != "" && addr.HostName != "" {
			return strings.ToLower(addr.MailboxName + "@" + addr.HostName)
		}
	}
	return ""
}
