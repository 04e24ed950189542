package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tiler/internal/imagery"
	"tiler/internal/level"
)

var BreakPointInst *BreakPoint

func InitBreakPoint() {
	dir := conf.BreakPoint.SaveFilePath
	if dir == "" {
		return
	}
	bp, err := OpenBreakPoint(filepath.Join(dir, fmt.Sprintf("%s.log", conf.Tm.Name)), conf.Task.Workers)
	if err != nil {
		log.WithError(err).Fatal("break point file open is error")
	}
	BreakPointInst = bp
	SafeExitInst.Register(BreakPointInst.BreakPointSafeFun)
	log.WithField("tiles", bp.Len()).Infof("断点记录任务已开始")
}

// BreakPoint 断点记录, 每行一个已完成的瓦片路径
type BreakPoint struct {
	file     *os.File
	saveChan chan string
	done     chan struct{}

	mu         sync.RWMutex
	successMap map[string]struct{}
	isClose    bool
}

// OpenBreakPoint 打开断点文件并读取已有记录
func OpenBreakPoint(path string, buf int) (*BreakPoint, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	successMap, err := readBreakPoint(file)
	if err != nil {
		file.Close()
		return nil, err
	}

	b := &BreakPoint{
		file:       file,
		saveChan:   make(chan string, max(buf, 1)),
		done:       make(chan struct{}),
		successMap: successMap,
	}
	// 开始断点任务
	go b.start()
	return b, nil
}

func readBreakPoint(file *os.File) (map[string]struct{}, error) {
	res := make(map[string]struct{})
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			res[line] = struct{}{}
		}
	}
	return res, sc.Err()
}

func (b *BreakPoint) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.successMap)
}

func (b *BreakPoint) IsSuccessed(path string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.successMap[path]
	return ok
}

func (b *BreakPoint) SetSuccessed(path string) {
	b.mu.Lock()
	if b.isClose {
		b.mu.Unlock()
		return
	}
	if _, ok := b.successMap[path]; ok {
		b.mu.Unlock()
		return
	}
	b.successMap[path] = struct{}{}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.isClose {
		b.saveChan <- path
	}
}

func (b *BreakPoint) start() {
	defer close(b.done)
	w := bufio.NewWriter(b.file)
	for path := range b.saveChan {
		w.WriteString(path + "\n")
		if len(b.saveChan) == 0 {
			w.Flush()
		}
	}
	w.Flush()
}

// BreakPointSafeFun 写完剩余记录后关闭文件
func (b *BreakPoint) BreakPointSafeFun() {
	b.mu.Lock()
	if b.isClose {
		b.mu.Unlock()
		return
	}
	b.isClose = true
	close(b.saveChan)
	b.mu.Unlock()

	<-b.done
	b.file.Close()
	log.Infof("断点记录任务已安全退出")
}

// journaledLayer 把断点记录中的瓦片视为本地瓦片, 并记录新下载的瓦片
type journaledLayer struct {
	*imagery.Layer
	bp *BreakPoint
}

func (j journaledLayer) IsTileLocal(t *level.Tile) bool {
	if j.bp != nil && j.bp.IsSuccessed(t.Path()) {
		return true
	}
	return j.Layer.IsTileLocal(t)
}

func (j journaledLayer) RetrieveRemoteTexture(t *level.Tile, priority float64, done func(imagery.Outcome)) error {
	return j.Layer.RetrieveRemoteTexture(t, priority, func(o imagery.Outcome) {
		if j.bp != nil && o.State == imagery.Stored {
			j.bp.SetSuccessed(t.Path())
		}
		if done != nil {
			done(o)
		}
	})
}
