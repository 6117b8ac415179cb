package mention

import (
	"context"
	"log/slog"
	"strings"

	"OpenACP-Chain/internal/llm"
)

// Composer 生成最终发布的文本。
type Composer struct {
	llmClient llm.Client
	retry     Policy
	// styleTemplates 是可选的固定风格模板。命中模板时
	// 生成结果会被二次改写成模板样式。
	styleTemplates []StyleTemplate
	log            *slog.Logger
}

// StyleTemplate 描述一种固定回复风格。
type StyleTemplate struct {
	// Name 是模板标识，出现在二次分类的提示里。
	Name string
	// Pattern 描述何时使用该模板。
	Pattern string
	// Template 是改写提示里给模型的样式示例。
	Template string
}

// NewComposer 创建文本生成器。
func NewComposer(llmClient llm.Client, retry Policy, styleTemplates []StyleTemplate, log *slog.Logger) *Composer {
	return &Composer{
		llmClient:      llmClient,
		retry:          retry,
		styleTemplates: styleTemplates,
		log:            log,
	}
}

// Compose 把会话上下文、链上洞察和任务片段合并成一次生成调用，
// 返回可直接发布的文本。生成调用按策略重试。
func (c *Composer) Compose(ctx context.Context, thread *Thread, decision Decision, enrichment, brokerText string, brokerFailed bool) (string, error) {
	prompt := renderComposePrompt(thread, decision, enrichment, brokerText, brokerFailed)

	var raw string
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		reply, genErr := c.llmClient.Generate(ctx, llm.Request{
			System:    composeSystemPrompt,
			Prompt:    prompt,
			Tier:      llm.TierLarge,
			MaxTokens: 400,
		})
		if genErr != nil {
			c.log.Warn("生成回复失败，等待重试", "error", genErr)
			return genErr
		}
		raw = reply
		return nil
	})
	if err != nil {
		return "", err
	}

	text := Postprocess(raw)
	if len(c.styleTemplates) > 0 {
		text = c.applyStyle(ctx, text)
	}
	return text, nil
}

// ComposeStandalone 在没有入站内容时生成一条独立帖子，
// 以关注账号的近期时间线为素材。
func (c *Composer) ComposeStandalone(ctx context.Context, timeline string) (string, error) {
	var raw string
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		reply, genErr := c.llmClient.Generate(ctx, llm.Request{
			System:    scheduledSystemPrompt,
			Prompt:    renderScheduledPrompt(timeline),
			Tier:      llm.TierLarge,
			MaxTokens: 400,
		})
		if genErr != nil {
			c.log.Warn("生成帖子失败，等待重试", "error", genErr)
			return genErr
		}
		raw = reply
		return nil
	})
	if err != nil {
		return "", err
	}
	return Postprocess(raw), nil
}

// Postprocess 对模型输出做确定性清洗：去掉包裹引号，
// 把字面的 \n 转义还原为换行。
func Postprocess(raw string) string {
	text := strings.TrimSpace(raw)
	for len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			text = strings.TrimSpace(text[1 : len(text)-1])
			continue
		}
		break
	}
	text = strings.ReplaceAll(text, `\n`, "\n")
	return strings.TrimSpace(text)
}

const styleClassifyPrompt = `You check whether a social media post matches one of the named style templates. Reply with the template name only, or NONE.`

// applyStyle 先判断文本是否命中某个固定风格模板，命中则改写。
// 任何失败都回落到原文本。
func (c *Composer) applyStyle(ctx context.Context, text string) string {
	var sb strings.Builder
	sb.WriteString("Templates:\n")
	for _, tpl := range c.styleTemplates {
		sb.WriteString(tpl.Name)
		sb.WriteString(": ")
		sb.WriteString(tpl.Pattern)
		sb.WriteString("\n")
	}
	sb.WriteString("\nPost:\n")
	sb.WriteString(text)

	verdict, err := c.llmClient.Generate(ctx, llm.Request{
		System:    styleClassifyPrompt,
		Prompt:    sb.String(),
		Tier:      llm.TierSmall,
		MaxTokens: 16,
	})
	if err != nil {
		c.log.Warn("风格分类失败，使用原文本", "error", err)
		return text
	}

	name := strings.TrimSpace(verdict)
	var matched *StyleTemplate
	for i := range c.styleTemplates {
		if strings.EqualFold(c.styleTemplates[i].Name, name) {
			matched = &c.styleTemplates[i]
			break
		}
	}
	if matched == nil {
		return text
	}

	rewritten, err := c.llmClient.Generate(ctx, llm.Request{
		System: "You rewrite posts into a fixed style. Keep the meaning, match the template shape. Reply with the rewritten text only.",
		Prompt: "Template:\n" + matched.Template + "\n\nPost:\n" + text,
		Tier:   llm.TierMedium,
	})
	if err != nil {
		c.log.Warn("风格改写失败，使用原文本", "error", err)
		return text
	}
	return Postprocess(rewritten)
}
