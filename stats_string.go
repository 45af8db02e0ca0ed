package heapmem

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/heapmem/device"
)

var resourceClassNames = map[resourceClass]string{
	resourceClassBuffer:         "Buffers",
	resourceClassNonRTDSTexture: "Textures",
	resourceClassRTDSTexture:    "RenderTargetsAndDepthStencils",
}

// BuildStatsString returns a JSON document describing the allocator: adapter properties, total
// statistics, and the budget and statistics of each memory segment group. When detailedMap is true
// the document also holds every block and allocation of every default pool and custom pool.
func (a *Allocator) BuildStatsString(detailedMap bool) (string, error) {
	a.logger.Debug("Allocator::BuildStatsString")

	stats := a.CalculateStatistics()

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("API").String("heapmem")
	general.Name("ResourceHeapTier").Int(a.properties.ResourceHeapTier)
	general.Name("UMA").Bool(a.properties.UMA)
	general.Name("LocalMemorySize").Int(a.properties.LocalMemorySize)
	general.Name("NonLocalMemorySize").Int(a.properties.NonLocalMemorySize)
	general.Name("PreferredBlockSize").Int(a.preferredBlockSize)
	general.Name("DebugMargin").Int(a.debugMargin)
	general.Name("CurrentFrameIndex").Int(int(a.currentFrameIndex.Load()))
	general.End()

	total := root.Name("Total").Object()
	stats.Total.PrintJson(total)
	total.End()

	err := a.printMemoryInfo(&root, &stats)
	if err != nil {
		return "", err
	}

	if detailedMap {
		a.printDefaultPools(&root)
		a.printCustomPools(&root)
	}

	root.End()

	if err := writer.Error(); err != nil {
		return "", err
	}
	return string(writer.Bytes()), nil
}

func (a *Allocator) printMemoryInfo(json *jwriter.ObjectState, stats *TotalStatistics) error {
	memoryInfo := json.Name("MemoryInfo").Object()
	defer memoryInfo.End()

	groupCount := device.MemorySegmentGroupCount
	if a.properties.UMA {
		groupCount = 1
	}

	for groupIndex := 0; groupIndex < groupCount; groupIndex++ {
		group := device.MemorySegmentGroup(groupIndex)
		heapBudget, err := a.budget.Budget(group)
		if err != nil {
			return err
		}

		groupObj := memoryInfo.Name(group.String()).Object()

		budgetObj := groupObj.Name("Budget").Object()
		budgetObj.Name("BudgetBytes").Int(heapBudget.Budget)
		budgetObj.Name("UsageBytes").Int(heapBudget.Usage)
		budgetObj.End()

		statsObj := groupObj.Name("Stats").Object()
		stats.MemorySegmentGroup[group].PrintJson(statsObj)
		statsObj.End()

		pools := groupObj.Name("MemoryPools").Object()
		for heapType := device.HeapTypeDefault; int(heapType) < device.HeapTypeCount; heapType++ {
			if a.properties.SegmentGroupForHeapType(heapType) != group {
				continue
			}

			heapObj := pools.Name(heapType.String()).Object()
			heapStats := heapObj.Name("Stats").Object()
			stats.HeapType[heapType].PrintJson(heapStats)
			heapStats.End()
			heapObj.End()
		}
		pools.End()

		groupObj.End()
	}

	return nil
}

func (a *Allocator) defaultPoolName(poolIndex int) string {
	if a.properties.ResourceHeapTier != 1 {
		return device.HeapType(poolIndex).String()
	}

	heapType := device.HeapType(poolIndex / int(resourceClassCount))
	class := resourceClass(poolIndex % int(resourceClassCount))
	return heapType.String() + " - " + resourceClassNames[class]
}

func (a *Allocator) printDefaultPools(json *jwriter.ObjectState) {
	defaultPools := json.Name("DefaultPools").Object()
	defer defaultPools.End()

	for poolIndex := 0; poolIndex < maxDefaultPools; poolIndex++ {
		blockList := a.blockLists[poolIndex]
		if blockList == nil {
			continue
		}

		poolObj := defaultPools.Name(a.defaultPoolName(poolIndex)).Object()
		printPoolContents(&poolObj, blockList, a.committedAllocations[poolIndex])
		poolObj.End()
	}
}

func (a *Allocator) printCustomPools(json *jwriter.ObjectState) {
	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	customPools := json.Name("CustomPools").Object()
	defer customPools.End()

	for heapType := device.HeapTypeDefault; int(heapType) < device.HeapTypeCount; heapType++ {
		var poolsOfType []*Pool
		for pool := a.pools; pool != nil; pool = pool.next {
			if pool.HeapType() == heapType {
				poolsOfType = append(poolsOfType, pool)
			}
		}
		if len(poolsOfType) == 0 {
			continue
		}

		poolArray := customPools.Name(heapType.String()).Array()
		for _, pool := range poolsOfType {
			poolObj := poolArray.Object()
			poolObj.Name("ID").Int(pool.id)
			if pool.name != "" {
				poolObj.Name("Name").String(pool.name)
			}
			poolObj.Name("Flags").String(pool.flags.String())
			poolObj.Name("HeapFlags").String(pool.blockList.HeapFlags().String())

			poolStats := pool.CalculateStatistics()
			statsObj := poolObj.Name("Stats").Object()
			poolStats.PrintJson(statsObj)
			statsObj.End()

			printPoolContents(&poolObj, &pool.blockList, &pool.committedAllocations)
			poolObj.End()
		}
		poolArray.End()
	}
}

func printPoolContents(json *jwriter.ObjectState, blockList *memoryBlockList, committedAllocations *committedAllocationList) {
	json.Name("PreferredBlockSize").Int(blockList.PreferredBlockSize())

	blocks := json.Name("Blocks").Object()
	blockList.PrintDetailedMap(&blocks)
	blocks.End()

	committed := json.Name("CommittedAllocations").Array()
	committedAllocations.BuildStatsString(&committed)
	committed.End()
}
