package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

// PaymentConfirmer принимает сигнал шлюза об успешной оплате.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, transactionCode string) (domain.CascadeResult, error)
}

// NewPaymentConfirmationHandler превращает сообщения топика подтверждений в вызовы ConfirmPayment.
// Битые сообщения и отказы, которые не исправятся повтором, уходят в DLQ сразу.
func NewPaymentConfirmationHandler(confirmer PaymentConfirmer, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "payment-confirmation-handler")
	}

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParsePaymentConfirmation(message.Value)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNonRetryable, err)
		}

		result, err := confirmer.ConfirmPayment(ctx, event.TransactionCode)
		if err != nil {
			if isPermanent(err) {
				return fmt.Errorf("%w: confirm %s: %w", ErrNonRetryable, event.TransactionCode, err)
			}
			return fmt.Errorf("confirm %s: %w", event.TransactionCode, err)
		}

		logger.WithFields(log.Fields{
			"transaction_code": event.TransactionCode,
			"gateway":          event.Gateway,
			"orders_requested": result.Updated,
			"failures":         len(result.Failures),
		}).Info("payment confirmation processed")
		return nil
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrTransactionNotFound) ||
		errors.Is(err, domain.ErrIllegalTransition)
}
