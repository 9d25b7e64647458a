package sms

import (
	"context"
	"fmt"
	"time"

	"github.com/alibabacloud-go/tea/tea"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	tcsms "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/sms/v20210111"
	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/notify"
)

func init() {
	RegisterProvider(ProviderTencent, func(cfg Config, logger *zap.Logger) (Provider, error) {
		return NewTencentProvider(cfg.Tencent, logger)
	})
}

// tencentAPI is the slice of the Tencent SMS client this provider uses;
// tests inject a fake.
type tencentAPI interface {
	SendSmsWithContext(ctx context.Context, req *tcsms.SendSmsRequest) (*tcsms.SendSmsResponse, error)
	PullSmsSendStatusByPhoneNumberWithContext(ctx context.Context, req *tcsms.PullSmsSendStatusByPhoneNumberRequest) (*tcsms.PullSmsSendStatusByPhoneNumberResponse, error)
}

// TencentProvider sends SMS through Tencent Cloud. Tencent delivers only
// through approved templates, so the composed body travels as the single
// template parameter. This is the one provider with a real delivery-status
// query (PullSmsSendStatusByPhoneNumber).
type TencentProvider struct {
	api    tencentAPI
	cfg    TencentProviderConfig
	logger *zap.Logger
}

// NewTencentProvider creates a Tencent Cloud SMS provider.
func NewTencentProvider(cfg TencentProviderConfig, logger *zap.Logger) (*TencentProvider, error) {
	credential := common.NewCredential(cfg.SecretID, cfg.SecretKey)
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = "sms.tencentcloudapi.com"

	client, err := tcsms.NewClient(credential, cfg.Region, cpf)
	if err != nil {
		return nil, fmt.Errorf("tencentcloud sms client: %w", err)
	}

	return &TencentProvider{api: client, cfg: cfg, logger: logger}, nil
}

// Name implements Provider.
func (p *TencentProvider) Name() string { return ProviderTencent }

// Send implements Provider.
func (p *TencentProvider) Send(ctx context.Context, req SendRequest) (Receipt, error) {
	request := tcsms.NewSendSmsRequest()
	request.PhoneNumberSet = common.StringPtrs([]string{req.PhoneNumber})
	request.SmsSdkAppId = common.StringPtr(p.cfg.SdkAppID)
	request.SignName = common.StringPtr(p.cfg.SignName)
	request.TemplateId = common.StringPtr(p.cfg.TemplateID)
	request.TemplateParamSet = common.StringPtrs([]string{req.Body})

	response, err := p.api.SendSmsWithContext(ctx, request)
	if err != nil {
		return Receipt{}, fmt.Errorf("tencentcloud send failed: %w", err)
	}

	statuses := response.Response.SendStatusSet
	if len(statuses) == 0 {
		return Receipt{}, fmt.Errorf("tencentcloud send returned no status")
	}

	status := statuses[0]
	if code := tea.StringValue(status.Code); code != "Ok" {
		return Receipt{}, fmt.Errorf("tencentcloud rejected message: code=%s message=%s",
			code, tea.StringValue(status.Message))
	}

	serial := tea.StringValue(status.SerialNo)
	p.logger.Debug("sms accepted by tencentcloud",
		zap.String("notification_id", req.NotificationID),
		zap.String("serial_no", serial),
	)
	return Receipt{ProviderRef: serial}, nil
}

// Status implements Provider, pulling delivery reports for the phone
// number and matching the message's serial number. A message with no
// report yet counts as sent.
func (p *TencentProvider) Status(ctx context.Context, ref, phoneNumber string) (notify.DeliveryStatus, error) {
	request := tcsms.NewPullSmsSendStatusByPhoneNumberRequest()
	request.BeginTime = common.Uint64Ptr(uint64(time.Now().Add(-24 * time.Hour).Unix()))
	request.Offset = common.Uint64Ptr(0)
	request.Limit = common.Uint64Ptr(50)
	request.PhoneNumber = common.StringPtr(phoneNumber)
	request.SmsSdkAppId = common.StringPtr(p.cfg.SdkAppID)

	response, err := p.api.PullSmsSendStatusByPhoneNumberWithContext(ctx, request)
	if err != nil {
		return notify.StatusUnknown, fmt.Errorf("tencentcloud status pull failed: %w", err)
	}

	for _, report := range response.Response.PullSmsSendStatusSet {
		if tea.StringValue(report.SerialNo) != ref {
			continue
		}
		switch tea.StringValue(report.ReportStatus) {
		case "SUCCESS":
			return notify.StatusDelivered, nil
		case "FAIL":
			return notify.StatusFailed, nil
		default:
			return notify.StatusSent, nil
		}
	}

	// accepted but no delivery report yet
	return notify.StatusSent, nil
}
