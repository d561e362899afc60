package credits

import (
	"context"
	"fmt"
)

// Reserve carves amount out of the account's pools and records a pending
// reservation, all in one transaction. The transaction commits and releases
// the account lock before the caller's metered external call begins; a
// second, independent transaction finalizes via Commit or Rollback.
func (service *Service) Reserve(ctx context.Context, accountID AccountID, amount Credits) (Reservation, error) {
	if amount <= 0 {
		return Reservation{}, fmt.Errorf("%w: reserve amount must be positive", ErrInvalidAmount)
	}
	now := service.nowFn()
	reservation := Reservation{
		ReservationID: service.newID(),
		AccountID:     accountID.String(),
		Amount:        amount,
		Status:        ReservationPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(service.reservationTTL),
	}
	operationError := service.withAccountTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, accountID.String())
		if err != nil {
			return err
		}
		breakdown, err := Allocate(amount, account)
		if err != nil {
			return err
		}
		debited, err := applyBreakdown(account, breakdown)
		if err != nil {
			return err
		}
		reservation.Breakdown = breakdown
		if err := txStore.SaveAccount(ctx, debited); err != nil {
			return err
		}
		if err := txStore.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		return txStore.InsertTransaction(ctx, LedgerTransaction{
			TransactionID: service.newID(),
			AccountID:     debited.AccountID,
			Delta:         -amount,
			BalanceAfter:  debited.Balance(),
			Kind:          KindSpend,
			ReservationID: reservation.ReservationID,
			CreatedAt:     now,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		AccountID:     accountID.String(),
		ReservationID: reservation.ReservationID,
		Amount:        amount,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// Commit finalizes a reservation after the metered call succeeded. The pools
// were already debited at reserve time, so commit only flips the status.
// Committing twice is a no-op; committing a rolled-back or expired
// reservation reports ReservationAlreadyResolved.
func (service *Service) Commit(ctx context.Context, reservationID ReservationID) error {
	operationError := service.withAccountTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservationForUpdate(ctx, reservationID.String())
		if err != nil {
			return err
		}
		switch reservation.Status {
		case ReservationCommitted:
			return nil
		case ReservationRolledBack, ReservationExpired:
			return WrapError(errorOperationReservation, errorSubjectReservation, errorCodeResolved,
				fmt.Errorf("%w: reservation is %s", ErrReservationAlreadyResolved, reservation.Status))
		}
		return txStore.UpdateReservationStatus(ctx, reservationID.String(), ReservationPending, ReservationCommitted)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCommit,
		ReservationID: reservationID.String(),
		Error:         operationError,
	})
	return operationError
}

// Rollback restores the exact pool breakdown a reservation debited and marks
// it rolled back. Idempotent: a second rollback is a no-op, and the re-credit
// is keyed on the reservation id so it can never apply twice even if the
// status update races.
func (service *Service) Rollback(ctx context.Context, reservationID ReservationID) error {
	return service.releaseReservation(ctx, reservationID, ReservationRolledBack, operationRollback)
}

// expireReservation is Rollback for the reconciliation sweep: same re-credit,
// terminal status expired instead of rolledback.
func (service *Service) expireReservation(ctx context.Context, reservationID ReservationID) error {
	return service.releaseReservation(ctx, reservationID, ReservationExpired, operationSweep)
}

func (service *Service) releaseReservation(ctx context.Context, reservationID ReservationID, terminal ReservationStatus, operation string) error {
	var accountRef string
	var amount Credits
	operationError := service.withAccountTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservationForUpdate(ctx, reservationID.String())
		if err != nil {
			return err
		}
		accountRef = reservation.AccountID
		amount = reservation.Amount
		switch reservation.Status {
		case ReservationRolledBack, ReservationExpired:
			return nil
		case ReservationCommitted:
			return WrapError(errorOperationReservation, errorSubjectReservation, errorCodeResolved,
				fmt.Errorf("%w: reservation is %s", ErrReservationAlreadyResolved, reservation.Status))
		}
		account, err := txStore.GetAccountForUpdate(ctx, reservation.AccountID)
		if err != nil {
			return err
		}
		restored, err := restoreBreakdown(account, reservation.Breakdown, service.nowFn().Add(service.billingPeriod))
		if err != nil {
			return err
		}
		if err := txStore.SaveAccount(ctx, restored); err != nil {
			return err
		}
		if err := txStore.UpdateReservationStatus(ctx, reservationID.String(), ReservationPending, terminal); err != nil {
			return err
		}
		key, err := buildIdempotencyKey(idempotencyPrefixRoll, reservation.ReservationID)
		if err != nil {
			return err
		}
		return txStore.InsertTransaction(ctx, LedgerTransaction{
			TransactionID:  service.newID(),
			AccountID:      restored.AccountID,
			Delta:          reservation.Amount,
			BalanceAfter:   restored.Balance(),
			Kind:           KindRefund,
			ReservationID:  reservation.ReservationID,
			IdempotencyKey: key,
			CreatedAt:      service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operation,
		AccountID:     accountRef,
		ReservationID: reservationID.String(),
		Amount:        amount,
		Error:         operationError,
	})
	return operationError
}
