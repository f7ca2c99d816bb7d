// Package sagas 定义拍卖平台的四种 Saga 状态机表.
//
// 每张表只描述步骤顺序、命令与补偿主题以及负载字段，推进、补偿、重试等行为由 saga.Orchestrator 统一实现.
package sagas

import (
	"github.com/Tsukikage7/auction-saga/saga"
)

// 各类型的前进状态.
const (
	StateAccountCreated = "ACCOUNT_CREATED"
	StateProfileCreated = "PROFILE_CREATED"
	StateEmailSent      = "EMAIL_SENT"

	StateBidValidated   = "BID_VALIDATED"
	StateFundsReserved  = "FUNDS_RESERVED"
	StateBidPlaced      = "BID_PLACED"
	StateAuctionUpdated = "AUCTION_UPDATED"

	StateAuctionFinalized  = "AUCTION_FINALIZED"
	StatePaymentInitiated  = "PAYMENT_INITIATED"
	StatePaymentProcessed  = "PAYMENT_PROCESSED"
	StateItemTransferred   = "ITEM_TRANSFERRED"
	StateSellerPaid        = "SELLER_PAID"
	StateNotificationsSent = "NOTIFICATIONS_SENT"

	StatePaymentValidated = "PAYMENT_VALIDATED"
	StateFundsAuthorized  = "FUNDS_AUTHORIZED"
	StatePaymentCaptured  = "PAYMENT_CAPTURED"
	StateInvoiceGenerated = "INVOICE_GENERATED"
	StateReceiptSent      = "RECEIPT_SENT"
)

// All 返回全部 Saga 定义.
func All() []saga.Definition {
	return []saga.Definition{
		UserRegistration(),
		BidPlacement(),
		AuctionCompletion(),
		PaymentProcessing(),
	}
}

// NewRegistry 为全部 Saga 类型创建编排器并注册.
func NewRegistry(store saga.Store, bus saga.Bus, opts ...saga.Option) (*saga.Registry, error) {
	registry, err := saga.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, def := range All() {
		o, err := saga.NewOrchestrator(def, store, bus, opts...)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(o); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// UserRegistration 用户注册: 创建账户 → 创建资料 → 发送欢迎邮件.
func UserRegistration() saga.Definition {
	return saga.Definition{
		Type:     saga.TypeUserRegistration,
		Priority: saga.PriorityMedium,
		Steps: []saga.Step{
			{
				State:        StateAccountCreated,
				Command:      "create-account",
				Completed:    "account-created",
				Compensation: "delete-account",
			},
			{
				State:        StateProfileCreated,
				Command:      "create-profile",
				Completed:    "profile-created",
				Compensation: "delete-profile",
			},
			{
				State:     StateEmailSent,
				Command:   "send-welcome-email",
				Completed: "email-sent",
				Fields:    []string{"userName"},
			},
		},
		Seed: seedUserRegistration,
	}
}

// BidPlacement 出价: 校验 → 冻结资金 → 写入出价 → 更新拍卖，完成后发送出价通知.
func BidPlacement() saga.Definition {
	return saga.Definition{
		Type:     saga.TypeBidPlacement,
		Priority: saga.PriorityHigh,
		Steps: []saga.Step{
			{
				State:     StateBidValidated,
				Command:   "validate-bid",
				Completed: "bid-validated",
				Fields:    []string{"bidId", "listingId", "bidAmount"},
			},
			{
				State:              StateFundsReserved,
				Command:            "reserve-funds",
				Completed:          "funds-reserved",
				Compensation:       "release-funds",
				Fields:             []string{"bidId", "bidAmount"},
				CompensationFields: []string{"reservationId", "bidId", "bidAmount"},
			},
			{
				State:              StateBidPlaced,
				Command:            "place-bid",
				Completed:          "bid-placed",
				Compensation:       "remove-bid",
				Fields:             []string{"bidId", "listingId", "bidAmount", "reservationId"},
				CompensationFields: []string{"bidId", "listingId"},
			},
			{
				State:              StateAuctionUpdated,
				Command:            "update-auction",
				Completed:          "auction-updated",
				Compensation:       "revert-auction-update",
				Fields:             []string{"bidId", "listingId", "bidAmount"},
				CompensationFields: []string{"bidId", "listingId", "previousHighestBid"},
			},
		},
		Notify:       "send-bid-notification",
		NotifyFields: []string{"bidId", "listingId", "bidAmount"},
		Seed:         seedBidPlacement,
	}
}

// AuctionCompletion 拍卖结束: 结算 → 支付分支 → 发送通知.
//
// 结算事件未给出买家时跳过整个支付分支，直接发送通知.
func AuctionCompletion() saga.Definition {
	noWinner := func(st *saga.State) bool { return !hasWinner(st) }
	return saga.Definition{
		Type:     saga.TypeAuctionCompletion,
		Priority: saga.PriorityCritical,
		Steps: []saga.Step{
			{
				State:     StateAuctionFinalized,
				Command:   "finalize-auction",
				Completed: "auction-finalized",
				Fields:    []string{"listingId", "sellerId"},
			},
			{
				State:     StatePaymentInitiated,
				Command:   "initiate-payment",
				Completed: "payment-initiated",
				Fields:    []string{"listingId", "winnerId", "finalPrice"},
				Skip:      noWinner,
			},
			{
				State:              StatePaymentProcessed,
				Command:            "process-payment",
				Completed:          "payment-processed",
				Compensation:       "refund-payment",
				Fields:             []string{"listingId", "winnerId", "finalPrice", "paymentId"},
				CompensationFields: []string{"paymentId", "transactionId", "winnerId", "finalPrice"},
				Skip:               noWinner,
			},
			{
				State:              StateItemTransferred,
				Command:            "transfer-item",
				Completed:          "item-transferred",
				Compensation:       "revert-item-transfer",
				Fields:             []string{"listingId", "sellerId", "winnerId"},
				CompensationFields: []string{"listingId", "sellerId", "winnerId"},
				Skip:               noWinner,
			},
			{
				State:              StateSellerPaid,
				Command:            "pay-seller",
				Completed:          "seller-paid",
				Compensation:       "reverse-seller-payment",
				Fields:             []string{"listingId", "sellerId", "finalPrice", "transactionId"},
				CompensationFields: []string{"sellerId", "payoutId", "finalPrice"},
				Skip:               noWinner,
			},
			{
				State:     StateNotificationsSent,
				Command:   "send-auction-notifications",
				Completed: "auction-notifications-sent",
			},
		},
		Seed: seedAuctionCompletion,
	}
}

// PaymentProcessing 支付: 校验 → 预授权 → 扣款 → 开票 → 发送回执.
func PaymentProcessing() saga.Definition {
	return saga.Definition{
		Type:     saga.TypePaymentProcessing,
		Priority: saga.PriorityMedium,
		Steps: []saga.Step{
			{
				State:     StatePaymentValidated,
				Command:   "validate-payment",
				Completed: "payment-validated",
			},
			{
				State:              StateFundsAuthorized,
				Command:            "authorize-funds",
				Completed:          "funds-authorized",
				Compensation:       "void-authorization",
				CompensationFields: []string{"paymentId", "authorizationId", "amount"},
			},
			{
				State:              StatePaymentCaptured,
				Command:            "capture-payment",
				Completed:          "payment-captured",
				Compensation:       "refund-payment",
				CompensationFields: []string{"paymentId", "transactionId", "amount"},
			},
			{
				State:              StateInvoiceGenerated,
				Command:            "generate-invoice",
				Completed:          "invoice-generated",
				Compensation:       "void-invoice",
				CompensationFields: []string{"paymentId", "invoiceId"},
			},
			{
				State:     StateReceiptSent,
				Command:   "send-receipt",
				Completed: "receipt-sent",
				Fields:    []string{"paymentId", "invoiceId", "amount"},
			},
		},
		Seed: seedPaymentProcessing,
	}
}

// hasWinner 判断结算结果是否产生了买家.
func hasWinner(st *saga.State) bool {
	if v, ok := st.Metadata["hasWinner"].(bool); ok {
		return v
	}
	return st.MetadataString("winnerId") != ""
}
