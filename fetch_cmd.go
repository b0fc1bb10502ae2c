package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/any-hub/any-fetch/internal/fetch"
)

const (
	exitFailed      = 1
	exitSizeWarning = 3

	cliSubscription = "cli"
)

// runFetch 以订阅 cli 下载 rawURL：进度写入 stdErr，完成后把本地路径写入 stdOut。
// 中断信号会取消下载并保留已下载部分，下次运行时续传。
func runFetch(ctx context.Context, manager *fetch.Manager, rawURL string, sizeLimit int64) int {
	d, _, err := manager.Start(cliSubscription, rawURL, sizeLimit)
	if err != nil {
		fmt.Fprintf(stdErr, "启动下载失败: %v\n", err)
		return exitFailed
	}

	updates, unsubscribe := d.Watch()
	defer unsubscribe()

	var printer progressPrinter
	for open := true; open; {
		select {
		case p, ok := <-updates:
			if !ok {
				open = false
				continue
			}
			printer.print(p)
		case <-ctx.Done():
			if _, err := manager.Cancel(context.Background(), cliSubscription, false); err != nil && !errors.Is(err, fetch.ErrUnknownSubscription) {
				fmt.Fprintf(stdErr, "取消下载失败: %v\n", err)
			}
			fmt.Fprintln(stdErr, "下载已中断，已下载部分保留")
			return exitFailed
		}
	}

	result, err := d.Result()
	if err != nil {
		var fe *fetch.Error
		if errors.As(err, &fe) && fe.Kind == fetch.KindSizeWarning {
			fmt.Fprintf(stdErr, "文件过大，剩余 %s 未下载；使用 -size-limit -1 跳过检查\n", fe.Message)
			return exitSizeWarning
		}
		fmt.Fprintf(stdErr, "下载失败 (%s): %v\n", fetch.KindOf(err), err)
		return exitFailed
	}

	if result.CacheHit {
		fmt.Fprintf(stdErr, "命中缓存: %s\n", humanize.Bytes(uint64(result.Length)))
	}
	fmt.Fprintln(stdOut, result.FilePath)
	return 0
}

// progressPrinter 只在状态变化或整百分比推进时输出一行。
type progressPrinter struct {
	state   fetch.State
	percent int64
}

func (pp *progressPrinter) print(p fetch.Progress) {
	percent := int64(-1)
	if p.Determinate && p.Max > 0 {
		percent = p.Current * 100 / p.Max
	}
	if p.State == pp.state && percent == pp.percent {
		return
	}
	pp.state, pp.percent = p.State, percent

	if percent < 0 {
		fmt.Fprintf(stdErr, "%s %s\n", p.State, humanize.Bytes(uint64(max(p.Current, 0))))
		return
	}
	fmt.Fprintf(stdErr, "%s %s / %s (%d%%)\n", p.State,
		humanize.Bytes(uint64(p.Current)), humanize.Bytes(uint64(p.Max)), percent)
}
