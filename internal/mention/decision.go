package mention

import "strings"

// Decision 表示分类阶段给出的处理方式。
type Decision string

const (
	// DecisionRespond 表示正常回复。
	DecisionRespond Decision = "RESPOND"
	// DecisionServiceRequest 表示对方在请求外部付费服务。
	DecisionServiceRequest Decision = "RESPOND_SERVICE_REQUEST"
	// DecisionSelfServiceRequest 表示对方在请求自助数据分析服务。
	DecisionSelfServiceRequest Decision = "RESPOND_SELF_SERVICE_REQUEST"
	// DecisionPaymentConfirmed 表示对方在确认一笔付款。
	DecisionPaymentConfirmed Decision = "RESPOND_PAYMENT_CONFIRMED"
	// DecisionIgnore 表示不处理。
	DecisionIgnore Decision = "IGNORE"
	// DecisionStop 表示对方明确要求停止互动。
	DecisionStop Decision = "STOP"
)

// decisionTags 按匹配优先级排列。模型偶尔会输出多个标签，
// 更具体的标签优先生效。
var decisionTags = []struct {
	tag      string
	decision Decision
}{
	{"[RESPOND_SERVICE_REQUEST]", DecisionServiceRequest},
	{"[RESPOND_SELF_SERVICE_REQUEST]", DecisionSelfServiceRequest},
	{"[RESPOND_PAYMENT_CONFIRMED]", DecisionPaymentConfirmed},
	{"[RESPOND]", DecisionRespond},
	{"[STOP]", DecisionStop},
	{"[IGNORE]", DecisionIgnore},
}

// ParseDecision 从模型的自由文本输出中解析处理方式。
// 解析是全函数：无论输入是什么都返回一个合法取值，
// 无法识别时返回 DecisionIgnore。
func ParseDecision(output string) Decision {
	upper := strings.ToUpper(output)
	for _, entry := range decisionTags {
		if strings.Contains(upper, entry.tag) {
			return entry.decision
		}
	}
	return DecisionIgnore
}

// ShouldRespond 判断该处理方式是否需要发布回复。
func (d Decision) ShouldRespond() bool {
	switch d {
	case DecisionRespond, DecisionServiceRequest, DecisionSelfServiceRequest, DecisionPaymentConfirmed:
		return true
	}
	return false
}

const fetchChainDataTag = "[FETCH_CARV]"

// WantsChainData 判断模型输出是否要求补充链上数据。
// 该标记与处理方式标签彼此独立。
func WantsChainData(output string) bool {
	return strings.Contains(strings.ToUpper(output), fetchChainDataTag)
}
