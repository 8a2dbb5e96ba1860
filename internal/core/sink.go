package core

import (
	"context"
	"log"

	"GoImageBoardSync/internal/model"
)

// EventSink は、検出したイベントを受け取る外部の保存処理です。
// 同じイベントが複数回届くことがあるため、Event.Key() で冪等に処理する必要があります。
type EventSink interface {
	Publish(ctx context.Context, events []model.Event) error
}

// EventSinkFunc は、関数を EventSink として扱うためのアダプタです。
type EventSinkFunc func(ctx context.Context, events []model.Event) error

func (f EventSinkFunc) Publish(ctx context.Context, events []model.Event) error {
	return f(ctx, events)
}

// LogSink は、イベントをログに出力するだけの EventSink です。
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Publish(_ context.Context, events []model.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	for _, ev := range events {
		switch ev.Kind {
		case model.EventNewThread:
			subject := ""
			if ev.Thread != nil {
				subject = ev.Thread.Subject
			}
			logger.Printf("INFO: 新規スレッド site=%s board=%s thread_id=%d subject=%q", ev.SiteID, ev.BoardID, ev.ThreadID, subject)
		case model.EventNewPost:
			logger.Printf("INFO: 新着レス site=%s board=%s thread_id=%d post_id=%d", ev.SiteID, ev.BoardID, ev.ThreadID, ev.PostID)
		case model.EventThreadDeleted:
			logger.Printf("INFO: スレッド削除 site=%s board=%s thread_id=%d reason=%s", ev.SiteID, ev.BoardID, ev.ThreadID, ev.Reason)
		case model.EventPostDeleted:
			logger.Printf("INFO: レス削除 site=%s board=%s thread_id=%d post_id=%d", ev.SiteID, ev.BoardID, ev.ThreadID, ev.PostID)
		case model.EventBoardDegraded:
			logger.Printf("WARNING: 板の巡回を停止しました site=%s board=%s reason=%s", ev.SiteID, ev.BoardID, ev.Reason)
		}
	}
	return nil
}
