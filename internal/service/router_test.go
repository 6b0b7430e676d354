package service

import (
	"reflect"
	"testing"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Action
	}{
		{"create with title", "开工单 EC2实例无法启动", StartTicketCreation{Title: "EC2实例无法启动"}},
		{"create with mention", "@_user_1  开工单   S3 权限问题 ", StartTicketCreation{Title: "S3 权限问题"}},
		{"create without space", "开工单RDS", StartTicketCreation{Title: "RDS"}},
		{"create without title", "开工单", StartTicketCreation{}},
		{"english create", "Create Ticket Lambda timeout", StartTicketCreation{Title: "Lambda timeout"}},
		{"english create needs boundary", "create tickets now", nil},
		{"detail latest", "详情", ShowDetail{OwnerUserID: "u1"}},
		{"detail by id", "详情 case-123", ShowDetail{OwnerUserID: "u1", TicketID: "case-123"}},
		{"english detail", "DETAIL case-9", ShowDetail{OwnerUserID: "u1", TicketID: "case-9"}},
		{"history", "历史", ShowHistory{OwnerUserID: "u1"}},
		{"history with mentions", "@_user_1 @_user_2 历史", ShowHistory{OwnerUserID: "u1"}},
		{"history is exact", "历史记录", nil},
		{"english history", "History", ShowHistory{OwnerUserID: "u1"}},
		{"help", "帮助", ShowHelp{}},
		{"english help", "help", ShowHelp{}},
		{"help is exact", "help me", nil},
		{"content", "内容 启动时报错 0x1", AddCommunication{OwnerUserID: "u1", Body: "启动时报错 0x1"}},
		{"english content", "content more logs", AddCommunication{OwnerUserID: "u1", Body: "more logs"}},
		{"full width space", "开工单　VPC", StartTicketCreation{Title: "VPC"}},
		{"unrecognized", "你好", nil},
		{"empty", "   ", nil},
		{"only mention", "@_user_1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Route(tt.text, "u1")
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Route(%q) = %#v, want %#v", tt.text, got, tt.want)
			}
		})
	}
}

func TestUnrecognizedTextIsSilent(t *testing.T) {
	h := newHarness(t)
	h.text(t, "om_msg_1", "今天天气不错")
	if len(h.chat.texts) != 0 || h.chat.sentCards != 0 {
		t.Errorf("bot replied to unrecognized text: %v", h.chat.texts)
	}
}
