package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"ensemble-trader/internal/config"
	"ensemble-trader/internal/decision"
	"ensemble-trader/internal/market"
)

const votePromptTemplate = `你是一个专业的量化交易分析师。请根据以下市场数据，独立给出一个交易方向建议。

市场数据（%s %s，截至 %s UTC）：
%s

请严格输出唯一的 JSON 对象，格式如下：
{
  "action": "BUY|SELL|HOLD",      // 交易方向建议
  "confidence": 0-100,             // 信心度（整数或小数均可）
  "rationale": "..."              // 支撑结论的关键理由，一到两句
}

注意事项：
- 只输出 JSON，不要附加任何其他文本。
- 不确定时输出 HOLD 并给出较低的 confidence。`

// OpenAIProvider 将 OpenAI 模型封装为一个投票方。
type OpenAIProvider struct {
	cfg    config.OpenAIConfig
	name   string
	sdk    *openai.Client
	logger *zap.Logger
}

// NewOpenAIProvider 创建 OpenAI 投票方。
func NewOpenAIProvider(name string, cfg config.OpenAIConfig, logger *zap.Logger) (*OpenAIProvider, error) {
	if name == "" {
		return nil, errors.New("provider: 投票方名称不能为空")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("provider: openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("provider: openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}

	return &OpenAIProvider{
		cfg:    cfg,
		name:   name,
		sdk:    openai.NewClientWithConfig(sdkConfig),
		logger: logger,
	}, nil
}

func (p *OpenAIProvider) ID() string {
	return p.name
}

// Vote 请求模型给出方向建议。
func (p *OpenAIProvider) Vote(ctx context.Context, snapshot market.Snapshot) (Vote, error) {
	prompt, err := buildVotePrompt(snapshot)
	if err != nil {
		return Vote{}, err
	}

	response, err := p.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return Vote{}, fmt.Errorf("provider: 调用OpenAI失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return Vote{}, errors.New("provider: OpenAI 返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return Vote{}, errors.New("provider: OpenAI 返回内容为空")
	}

	vote, err := parseVote(rawContent)
	if err != nil {
		p.logger.Error("解析模型投票失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return Vote{}, err
	}

	vote.ProviderID = p.name
	return vote, nil
}

func buildVotePrompt(snapshot market.Snapshot) (string, error) {
	indicatorsJSON, err := json.MarshalIndent(snapshot.Indicators, "", "  ")
	if err != nil {
		return "", fmt.Errorf("provider: 序列化指标失败: %w", err)
	}

	return fmt.Sprintf(votePromptTemplate,
		snapshot.AssetPair,
		snapshot.Timeframe,
		snapshot.Timestamp.UTC().Format(time.RFC3339),
		string(indicatorsJSON),
	), nil
}

func parseVote(content string) (Vote, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return Vote{}, err
	}

	var raw struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	}
	if err = json.Unmarshal(payload, &raw); err != nil {
		return Vote{}, fmt.Errorf("provider: 解析投票JSON失败: %w", err)
	}

	return Vote{
		Action:     decision.Action(strings.ToUpper(strings.TrimSpace(raw.Action))),
		Confidence: raw.Confidence,
		Rationale:  raw.Rationale,
	}, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("provider: 模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
