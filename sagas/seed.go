package sagas

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Tsukikage7/auction-saga/saga"
)

var (
	errMissingField = errors.New("missing field")
	errInvalidField = errors.New("invalid field")
)

func seedUserRegistration(req map[string]any) (saga.Seed, error) {
	userID, err := requireString(req, "userId")
	if err != nil {
		return saga.Seed{}, err
	}
	email, err := requireString(req, "userEmail")
	if err != nil {
		return saga.Seed{}, err
	}
	return saga.Seed{
		Metadata:  pick(req, "userName", "userAvatar"),
		UserID:    userID,
		UserEmail: email,
	}, nil
}

func seedBidPlacement(req map[string]any) (saga.Seed, error) {
	meta := make(map[string]any, 4)
	for _, key := range []string{"bidId", "userId", "listingId"} {
		v, err := requireString(req, key)
		if err != nil {
			return saga.Seed{}, err
		}
		meta[key] = v
	}
	amount, err := requirePositive(req, "bidAmount")
	if err != nil {
		return saga.Seed{}, err
	}
	meta["bidAmount"] = amount

	email, _ := req["userEmail"].(string)
	return saga.Seed{
		Metadata:  meta,
		UserID:    meta["userId"].(string),
		UserEmail: email,
	}, nil
}

func seedAuctionCompletion(req map[string]any) (saga.Seed, error) {
	listingID, err := requireString(req, "listingId")
	if err != nil {
		return saga.Seed{}, err
	}
	meta := pick(req, "sellerId", "winnerId", "finalPrice", "auctionEndTime")
	meta["listingId"] = listingID
	return saga.Seed{Metadata: meta}, nil
}

func seedPaymentProcessing(req map[string]any) (saga.Seed, error) {
	userID, err := requireString(req, "userId")
	if err != nil {
		return saga.Seed{}, err
	}
	amount, err := requirePositive(req, "amount")
	if err != nil {
		return saga.Seed{}, err
	}
	meta := pick(req, "paymentId", "listingId", "orderId", "currency", "paymentMethod")
	meta["amount"] = amount

	email, _ := req["userEmail"].(string)
	return saga.Seed{Metadata: meta, UserID: userID, UserEmail: email}, nil
}

func requireString(req map[string]any, key string) (string, error) {
	v, ok := req[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", errMissingField, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s 必须是非空字符串", errInvalidField, key)
	}
	return s, nil
}

// requirePositive 读取正数金额，接受数字、json.Number 与数字字符串.
func requirePositive(req map[string]any, key string) (float64, error) {
	v, ok := req[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s", errMissingField, key)
	}

	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s", errInvalidField, key)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", errInvalidField, key)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: %s", errInvalidField, key)
	}
	if f <= 0 {
		return 0, fmt.Errorf("%w: %s 必须大于 0", errInvalidField, key)
	}
	return f, nil
}

// pick 复制请求中存在且非空的字段.
func pick(req map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys)+1)
	for _, k := range keys {
		if v, ok := req[k]; ok && v != nil {
			out[k] = v
		}
	}
	return out
}
