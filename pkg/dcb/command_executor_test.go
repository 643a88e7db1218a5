package dcb_test

import (
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/crablet/crablet-go/pkg/dcb"
)

type openWalletCmd struct {
	WalletID string `json:"wallet_id"`
	Owner    string `json:"owner"`
}

// openWalletHandler opens a wallet unless one with the same id exists.
func openWalletHandler(ctx context.Context, store dcb.TransactionalEventStore, cmd dcb.Command) (dcb.CommandResult, error) {
	var payload openWalletCmd
	if err := json.Unmarshal(cmd.GetData(), &payload); err != nil {
		return dcb.CommandResult{}, err
	}

	exists := dcb.NewQuery(dcb.NewTags("wallet_id", payload.WalletID), "WalletOpened")
	condition := dcb.NewAppendConditionIfNotExists(exists)

	return dcb.CommandResult{
		Events: dcb.NewEventBatch(
			dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", payload.WalletID), cmd.GetData()),
		),
		Condition: &condition,
	}, nil
}

var _ = Describe("CommandExecutor", func() {
	var executor dcb.CommandExecutor

	BeforeEach(func() {
		err := truncateEventsTable(ctx, pool)
		Expect(err).NotTo(HaveOccurred())

		executor, err = dcb.NewCommandExecutor(store, dcb.ExecutorConfig{PersistCommands: true},
			dcb.Registration{Type: "OpenWallet", Handler: dcb.CommandHandlerFunc(openWalletHandler)},
		)
		Expect(err).NotTo(HaveOccurred())
	})

	It("appends the handler's events and reports Created", func() {
		cmd := dcb.NewCommand("OpenWallet", dcb.ToJSON(openWalletCmd{WalletID: "w1", Owner: "alice"}), nil)

		result, err := executor.Execute(ctx, cmd)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Created()).To(BeTrue())
		Expect(result.Events).To(HaveLen(1))

		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w1")), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].Type).To(Equal("WalletOpened"))
	})

	It("persists the command under the same transaction id as its events", func() {
		cmd := dcb.NewCommand("OpenWallet", dcb.ToJSON(openWalletCmd{WalletID: "w1"}), map[string]any{"source": "test"})

		result, err := executor.Execute(ctx, cmd)
		Expect(err).NotTo(HaveOccurred())

		var commandType string
		var txID uint64
		err = pool.QueryRow(ctx, "SELECT type, transaction_id FROM commands").Scan(&commandType, &txID)
		Expect(err).NotTo(HaveOccurred())
		Expect(commandType).To(Equal("OpenWallet"))
		Expect(txID).To(Equal(result.Events[0].TransactionID))
	})

	It("reclassifies a duplicate conflict as idempotent", func() {
		cmd := dcb.NewCommand("OpenWallet", dcb.ToJSON(openWalletCmd{WalletID: "w1"}), nil)

		first, err := executor.Execute(ctx, cmd)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Created()).To(BeTrue())

		second, err := executor.Execute(ctx, cmd)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Idempotent()).To(BeTrue())
		Expect(second.Reason).To(Equal(dcb.IdempotencyReasonDuplicate))

		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w1")), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("reports the handler's own idempotency decision", func() {
		err := executor.Register("NoOp", dcb.CommandHandlerFunc(
			func(ctx context.Context, store dcb.TransactionalEventStore, cmd dcb.Command) (dcb.CommandResult, error) {
				return dcb.CommandResult{IdempotencyReason: "ALREADY_SETTLED"}, nil
			}))
		Expect(err).NotTo(HaveOccurred())

		result, err := executor.Execute(ctx, dcb.NewCommand("NoOp", nil, nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Idempotent()).To(BeTrue())
		Expect(result.Reason).To(Equal("ALREADY_SETTLED"))
	})

	It("treats an explicitly empty decision as a normal no-op", func() {
		err := executor.Register("Settle", dcb.CommandHandlerFunc(
			func(ctx context.Context, store dcb.TransactionalEventStore, cmd dcb.Command) (dcb.CommandResult, error) {
				return dcb.CommandResult{Events: []dcb.InputEvent{}}, nil
			}))
		Expect(err).NotTo(HaveOccurred())

		result, err := executor.Execute(ctx, dcb.NewCommand("Settle", nil, nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Created()).To(BeTrue())
		Expect(result.Events).To(BeEmpty())

		events, err := store.Query(ctx, dcb.NewQueryAll(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	It("rejects a handler returning nil events and no reason", func() {
		err := executor.Register("Undecided", dcb.CommandHandlerFunc(
			func(ctx context.Context, store dcb.TransactionalEventStore, cmd dcb.Command) (dcb.CommandResult, error) {
				return dcb.CommandResult{}, nil
			}))
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, dcb.NewCommand("Undecided", nil, nil))
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})

	It("propagates stale conflicts and rolls back", func() {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("WalletCredited", dcb.NewTags("wallet_id", "w7"), nil),
		))
		Expect(err).NotTo(HaveOccurred())

		err = executor.Register("Debit", dcb.CommandHandlerFunc(
			func(ctx context.Context, store dcb.TransactionalEventStore, cmd dcb.Command) (dcb.CommandResult, error) {
				// Condition built against an empty view of the wallet: any
				// existing wallet event makes the decision stale.
				condition := dcb.NewAppendCondition(nil, dcb.NewQuery(dcb.NewTags("wallet_id", "w7")))
				return dcb.CommandResult{
					Events: dcb.NewEventBatch(
						dcb.NewInputEvent("WalletDebited", dcb.NewTags("wallet_id", "w7"), nil),
					),
					Condition: &condition,
				}, nil
			}))
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, dcb.NewCommand("Debit", nil, nil))
		Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		Expect(dcb.IsDuplicateConflict(err)).To(BeFalse())

		events, err := store.Query(ctx, dcb.NewQuery(nil, "WalletDebited"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())

		var commandCount int
		err = pool.QueryRow(ctx, "SELECT count(*) FROM commands").Scan(&commandCount)
		Expect(err).NotTo(HaveOccurred())
		Expect(commandCount).To(BeZero())
	})

	It("rejects unknown command types", func() {
		_, err := executor.Execute(ctx, dcb.NewCommand("Unknown", nil, nil))
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})

	It("rejects a nil command", func() {
		_, err := executor.Execute(ctx, nil)
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})

	It("lets handlers project decision state inside the transaction", func() {
		err := executor.Register("Deposit", dcb.CommandHandlerFunc(
			func(ctx context.Context, store dcb.TransactionalEventStore, cmd dcb.Command) (dcb.CommandResult, error) {
				states, condition, err := store.Project(ctx, []dcb.BatchProjector{balanceProjector("w1")}, nil)
				if err != nil {
					return dcb.CommandResult{}, err
				}
				balance := states["balance"].(int)
				return dcb.CommandResult{
					Events: dcb.NewEventBatch(
						dcb.NewInputEvent("WalletCredited", dcb.NewTags("wallet_id", "w1"),
							dcb.ToJSON(amountPayload{Amount: balance + 1})),
					),
					Condition: &condition,
				}, nil
			}))
		Expect(err).NotTo(HaveOccurred())

		result, err := executor.Execute(ctx, dcb.NewCommand("Deposit", nil, nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Created()).To(BeTrue())

		states, _, err := store.Project(ctx, []dcb.BatchProjector{balanceProjector("w1")}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(states["balance"]).To(Equal(1))
	})
})
