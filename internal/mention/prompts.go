package mention

import (
	"fmt"
	"strings"
)

// 提示词集中放在这里，方便按部署调整措辞。
// 分类提示要求模型只输出标签，composer 提示生成最终文本。

const decisionSystemPrompt = `You are the routing brain of a social media agent. Read the conversation and decide how to handle the latest message. Reply with exactly one of these tags and nothing else:

[RESPOND] - the message deserves a normal reply.
[RESPOND_SERVICE_REQUEST] - the author is asking us to hire an external agent for a paid job.
[RESPOND_SELF_SERVICE_REQUEST] - the author is asking for our own on-chain data analysis service.
[RESPOND_PAYMENT_CONFIRMED] - the author says they have paid for a previously quoted job. Only use this when the previous message in the conversation contains our payment instructions.
[IGNORE] - spam, empty pleasantries, or content with nothing to add.
[STOP] - the author asks us to stop replying to them.

If on-chain data would clearly make the reply better, append [FETCH_CARV] after the tag; otherwise append [SKIP_CARV].`

func renderDecisionPrompt(thread *Thread, priority bool) string {
	var sb strings.Builder
	sb.WriteString("Conversation, oldest first:\n")
	sb.WriteString(thread.Render())
	sb.WriteString("\nLatest message is from @")
	sb.WriteString(thread.Focus.AuthorHandle)
	sb.WriteString(".")
	if priority {
		sb.WriteString(" This author is on our priority list: unless they ask us to stop, never answer [IGNORE].")
	}
	return sb.String()
}

const composeSystemPrompt = `You write replies for a social media agent focused on crypto and on-chain analysis. Keep it under 280 characters, conversational, no hashtags, no emoji spam. Never wrap the reply in quotes. Reply with the final text only.`

func renderComposePrompt(thread *Thread, decision Decision, enrichment, brokerText string, brokerFailed bool) string {
	var sb strings.Builder
	sb.WriteString("Conversation, oldest first:\n")
	sb.WriteString(thread.Render())

	if enrichment != "" {
		sb.WriteString("\nOn-chain insight you may weave in:\n")
		sb.WriteString(enrichment)
		sb.WriteString("\n")
	}

	switch {
	case brokerFailed:
		// 任务环节失败时，生成的回复不得引用任何任务内容。
		sb.WriteString("\nA service job was attempted but failed. Apologize briefly and do not mention any job details, prices, or payment.\n")
	case brokerText != "":
		sb.WriteString("\nInclude the following service message verbatim in your reply:\n")
		sb.WriteString(brokerText)
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("\nWrite a reply to the latest message from @%s.", thread.Focus.AuthorHandle))
	return sb.String()
}

const scheduledSystemPrompt = `You write standalone posts for a social media agent focused on crypto and on-chain analysis. Keep it under 280 characters, no hashtags. Reply with the post text only.`

func renderScheduledPrompt(timeline string) string {
	var sb strings.Builder
	sb.WriteString("Recent posts from accounts we follow, oldest first:\n")
	sb.WriteString(timeline)
	sb.WriteString("\nWrite one original post sharing a fresh observation. Do not address anyone directly.")
	return sb.String()
}
